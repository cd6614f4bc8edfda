package script

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mmrzaf/dataforge/internal/connectors/file"
	"github.com/mmrzaf/dataforge/internal/domain"
)

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

const (
	modeUnknown = iota
	modeArray
	modeStream
	modeDone
)

// outputReader decodes script stdout as a JSON array, a single object with a
// "records" array, or a stream of JSON values (NDJSON).
type outputReader struct {
	counter *countingReader
	br      *bufio.Reader
	dec     *json.Decoder
	mode    int
	first   bool
	pending []json.RawMessage
	cols    []string
	seen    map[string]bool
}

func newOutputReader(r io.Reader) *outputReader {
	counter := &countingReader{r: r}
	br := bufio.NewReader(counter)
	return &outputReader{counter: counter, br: br, dec: json.NewDecoder(br), first: true, seen: map[string]bool{}}
}

func (o *outputReader) Columns() []string { return o.cols }

func (o *outputReader) Next() (domain.Record, error) {
	for {
		if len(o.pending) > 0 {
			raw := o.pending[0]
			o.pending = o.pending[1:]
			return o.record(raw)
		}
		switch o.mode {
		case modeDone:
			return nil, io.EOF
		case modeUnknown:
			if err := o.start(); err != nil {
				return nil, err
			}
		case modeArray:
			if !o.dec.More() {
				if _, err := o.dec.Token(); err != nil {
					return nil, fmt.Errorf("unterminated json array: %w", truncated(err))
				}
				o.mode = modeDone
				continue
			}
			var raw json.RawMessage
			if err := o.dec.Decode(&raw); err != nil {
				return nil, truncated(err)
			}
			return o.record(raw)
		case modeStream:
			var raw json.RawMessage
			if err := o.dec.Decode(&raw); err != nil {
				if err == io.EOF {
					o.mode = modeDone
					continue
				}
				return nil, err
			}
			if o.first {
				o.first = false
				if items, ok := envelope(raw); ok {
					o.pending = items
					o.mode = modeDone
					continue
				}
			}
			return o.record(raw)
		}
	}
}

func (o *outputReader) start() error {
	b, err := peekNonSpace(o.br)
	if err == io.EOF {
		o.mode = modeDone
		return nil
	}
	if err != nil {
		return err
	}
	if b == '[' {
		if _, err := o.dec.Token(); err != nil {
			return err
		}
		o.mode = modeArray
		return nil
	}
	o.mode = modeStream
	return nil
}

func (o *outputReader) record(raw json.RawMessage) (domain.Record, error) {
	keys, rec, err := file.DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if !o.seen[k] {
			o.seen[k] = true
			o.cols = append(o.cols, k)
		}
	}
	return rec, nil
}

// envelope unpacks {"records": [...]}. Only the first value of the output is
// checked, so NDJSON rows may carry a records field of their own.
func envelope(raw json.RawMessage) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	recs, ok := obj["records"]
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(recs, &items); err != nil {
		return nil, false
	}
	return items, true
}

// truncated maps io.EOF inside an open array to io.ErrUnexpectedEOF.
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
		default:
			return b[0], nil
		}
	}
}
