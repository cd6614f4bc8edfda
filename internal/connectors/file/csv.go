package file

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

type csvFormat struct{}

func (csvFormat) kind() domain.SourceType { return domain.SourceTypeCSV }

func (csvFormat) validate(p connector.Params, r *domain.ValidationResult) {
	if _, err := runeOption(p, "delimiter", ','); err != nil {
		r.AddError("options.delimiter", domain.CodeInvalidOption, err.Error())
	}
	if _, err := runeOption(p, "comment", 0); err != nil {
		r.AddError("options.comment", domain.CodeInvalidOption, err.Error())
	}
}

// runeOption reads a single-character option. "\t" and "tab" mean a tab.
func runeOption(p connector.Params, key string, def rune) (rune, error) {
	raw, ok := p[key].(string)
	if !ok || raw == "" {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case `\t`, "tab":
		return '\t', nil
	}
	if utf8.RuneCountInString(raw) != 1 {
		return 0, fmt.Errorf("%s must be a single character, got %q", key, raw)
	}
	r, _ := utf8.DecodeRuneInString(raw)
	if r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, fmt.Errorf("%s cannot be %q", key, raw)
	}
	return r, nil
}

func (csvFormat) open(src io.Reader, p connector.Params, _ string) (iterator, error) {
	br := bufio.NewReader(src)
	for i := int64(0); i < p.IntOr("skipRows", 0); i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	delim, err := runeOption(p, "delimiter", ',')
	if err != nil {
		return nil, domain.NewError(domain.CodeInvalidOption, err.Error(), nil)
	}
	comment, err := runeOption(p, "comment", 0)
	if err != nil {
		return nil, domain.NewError(domain.CodeInvalidOption, err.Error(), nil)
	}

	r := csv.NewReader(br)
	r.Comma = delim
	r.Comment = comment
	r.LazyQuotes = p.Bool("lazyQuotes")
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = p.Bool("trimSpace")

	it := &csvIterator{r: r, trim: p.Bool("trimSpace")}
	first, err := r.Read()
	if err == io.EOF {
		return it, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(first) > 0 {
		first[0] = strings.TrimPrefix(first[0], "\ufeff")
	}
	if p.BoolOr("hasHeader", true) {
		it.cols = headerNames(first)
	} else {
		it.cols = positionalNames(len(first))
		it.pending = first
	}
	return it, nil
}

// headerNames trims header cells, names empty ones by position and suffixes
// repeats with _2, _3 and so on until the name is unused.
func headerNames(row []string) []string {
	out := make([]string, len(row))
	used := make(map[string]bool, len(row))
	for i, h := range row {
		base := strings.TrimSpace(h)
		if base == "" {
			base = fmt.Sprintf("column_%d", i+1)
		}
		name := base
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func positionalNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("column_%d", i+1)
	}
	return out
}

type csvIterator struct {
	r       *csv.Reader
	cols    []string
	pending []string
	trim    bool
}

func (it *csvIterator) Columns() []string { return it.cols }

func (it *csvIterator) Next() (domain.Record, error) {
	row := it.pending
	it.pending = nil
	if row == nil {
		var err error
		row, err = it.r.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
	}
	for len(row) > len(it.cols) {
		it.cols = append(it.cols, fmt.Sprintf("column_%d", len(it.cols)+1))
	}
	rec := make(domain.Record, len(it.cols))
	for i, col := range it.cols {
		if i >= len(row) {
			rec[col] = nil
			continue
		}
		v := row[i]
		if it.trim {
			v = strings.TrimSpace(v)
		}
		rec[col] = v
	}
	return rec, nil
}
