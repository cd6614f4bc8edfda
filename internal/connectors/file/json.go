package file

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

type jsonFormat struct{}

func (jsonFormat) kind() domain.SourceType { return domain.SourceTypeJSON }

func (jsonFormat) validate(p connector.Params, r *domain.ValidationResult) {
	switch p.String("format") {
	case "", "auto", "array", "ndjson", "jsonl":
	default:
		r.AddError("options.format", domain.CodeInvalidOption, fmt.Sprintf("unknown json format %q", p.String("format")))
	}
	if p.Has("recordsPath") && (p.String("format") == "ndjson" || p.String("format") == "jsonl") {
		r.AddError("options.recordsPath", domain.CodeInvalidOption, "recordsPath cannot be combined with ndjson")
	}
}

func (jsonFormat) open(src io.Reader, p connector.Params, _ string) (iterator, error) {
	flatten := p.Bool("flatten")
	if path := splitPath(p.String("recordsPath")); len(path) > 0 {
		items, err := jsonAtPath(src, path)
		if err != nil {
			return nil, err
		}
		return newObjectIterator(flatten, sliceSource(items)), nil
	}

	br := bufio.NewReader(src)
	dec := json.NewDecoder(br)
	dec.UseNumber()
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return newObjectIterator(flatten, sliceSource(nil)), nil
	}
	if err != nil {
		return nil, err
	}
	format := p.String("format")
	if first == '[' && format != "ndjson" && format != "jsonl" {
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		closed := false
		return newObjectIterator(flatten, func() ([]string, domain.Record, error) {
			if closed {
				return nil, nil, io.EOF
			}
			if !dec.More() {
				if _, err := dec.Token(); err != nil {
					return nil, nil, fmt.Errorf("parse json: unterminated array: %w", truncated(err))
				}
				closed = true
				return nil, nil, io.EOF
			}
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, nil, fmt.Errorf("parse json: %w", truncated(err))
			}
			return DecodeObject(raw)
		}), nil
	}
	return newObjectIterator(flatten, func() ([]string, domain.Record, error) {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil, nil, io.EOF
			}
			return nil, nil, fmt.Errorf("parse json line: %w", err)
		}
		return DecodeObject(raw)
	}), nil
}

// truncated reports end of input inside an open value as
// io.ErrUnexpectedEOF so it cannot pass for the end of the data.
func truncated(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		case 0xEF:
			bom, err := br.Peek(3)
			if err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
				if _, err := br.Discard(3); err != nil {
					return 0, err
				}
				continue
			}
			return b[0], nil
		default:
			return b[0], nil
		}
	}
}

func jsonAtPath(src io.Reader, path []string) ([]func() ([]string, domain.Record, error), error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(data)
	for _, seg := range path {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, domain.NewError(domain.CodeInvalidOption, fmt.Sprintf("recordsPath: %q is not inside an object", seg), err)
		}
		next, ok := m[seg]
		if !ok {
			return nil, domain.NewError(domain.CodeInvalidOption, fmt.Sprintf("recordsPath: key %q not found", seg), nil)
		}
		raw = next
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, domain.NewError(domain.CodeInvalidOption, "recordsPath must point to an array", err)
	}
	items := make([]func() ([]string, domain.Record, error), len(elems))
	for i, e := range elems {
		e := e
		items[i] = func() ([]string, domain.Record, error) { return DecodeObject(e) }
	}
	return items, nil
}

// DecodeObject decodes one JSON value into a record, keeping key order.
// Numbers become int64 when integral and float64 otherwise.
// Scalars and arrays become a single "value" column.
func DecodeObject(raw json.RawMessage) ([]string, domain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("parse json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		var v interface{}
		dec2 := json.NewDecoder(bytes.NewReader(raw))
		dec2.UseNumber()
		if err := dec2.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("parse json: %w", err)
		}
		return []string{"value"}, domain.Record{"value": jsonValue(v)}, nil
	}
	keys := []string{}
	rec := domain.Record{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("parse json: %w", err)
		}
		key, _ := kt.(string)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("parse json: %w", err)
		}
		if _, dup := rec[key]; !dup {
			keys = append(keys, key)
		}
		rec[key] = jsonValue(v)
	}
	return keys, rec, nil
}

func jsonValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, err := val.Float64()
		if err != nil || math.IsInf(f, 0) {
			return val.String()
		}
		return f
	case map[string]interface{}:
		for k, item := range val {
			val[k] = jsonValue(item)
		}
		return val
	case []interface{}:
		for i := range val {
			val[i] = jsonValue(val[i])
		}
		return val
	default:
		return v
	}
}
