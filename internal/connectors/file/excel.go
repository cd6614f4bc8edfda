package file

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

type excelFormat struct{}

func (excelFormat) kind() domain.SourceType { return domain.SourceTypeExcel }

func (excelFormat) validate(p connector.Params, r *domain.ValidationResult) {
	if v, ok := p["sheet"]; ok && v != nil {
		if _, isString := v.(string); !isString {
			r.AddError("options.sheet", domain.CodeInvalidOption, "sheet must be a sheet name")
		}
	}
}

func (excelFormat) tables(src io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

func (excelFormat) open(src io.Reader, p connector.Params, sheet string) (iterator, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		f.Close()
		return nil, domain.NewError(domain.CodeInvalidOption, fmt.Sprintf("sheet %q not found", sheet), err)
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	it := &excelIterator{f: f, rows: rows, trim: p.Bool("trimSpace")}
	for i := int64(0); i < p.IntOr("skipRows", 0); i++ {
		if !rows.Next() {
			break
		}
	}
	if p.BoolOr("hasHeader", true) {
		header, err := it.read()
		if err == io.EOF {
			return it, nil
		}
		if err != nil {
			it.Close()
			return nil, err
		}
		it.cols = headerNames(header)
	}
	return it, nil
}

type excelIterator struct {
	f    *excelize.File
	rows *excelize.Rows
	cols []string
	trim bool
	done bool
}

func (it *excelIterator) Columns() []string { return it.cols }

func (it *excelIterator) read() ([]string, error) {
	if it.done {
		return nil, io.EOF
	}
	for it.rows.Next() {
		row, err := it.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		return row, nil
	}
	if err := it.rows.Error(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	it.Close()
	return nil, io.EOF
}

func (it *excelIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	it.rows.Close()
	return it.f.Close()
}

func (it *excelIterator) Next() (domain.Record, error) {
	row, err := it.read()
	if err != nil {
		return nil, err
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
