package file

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func cfgFor(typ domain.SourceType, opts map[string]interface{}) domain.DataSourceConfig {
	return domain.DataSourceConfig{ID: "src-1", Name: "src", Type: typ, Options: opts}
}

func runAll(t *testing.T, c connector.Connector) (domain.ExecutionResult, []domain.Record) {
	t.Helper()
	var recs []domain.Record
	res := c.Run(context.Background(), &domain.ExecutionContext{
		ExecutionID: "exec-1",
		OnBatch: func(b domain.Batch) error {
			recs = append(recs, b.Records...)
			return nil
		},
	})
	return res, recs
}

func TestCSVThreeRows(t *testing.T) {
	path := writeFile(t, "people.csv", "id,name,age\n1,Ada,36\n2,Linus,28\n3,Grace,45\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{"filePath": path}), nil)
	defer c.Dispose()

	var last domain.ProgressInfo
	var recs []domain.Record
	res := c.Run(context.Background(), &domain.ExecutionContext{
		OnProgress: func(p domain.ProgressInfo) { last = p },
		OnBatch: func(b domain.Batch) error {
			recs = append(recs, b.Records...)
			return nil
		},
	})
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	if res.RecordsProcessed != 3 || len(recs) != 3 {
		t.Fatalf("records = %d (%d delivered)", res.RecordsProcessed, len(recs))
	}
	want := []string{"id", "name", "age"}
	if !reflect.DeepEqual(res.Columns, want) {
		t.Fatalf("columns = %v", res.Columns)
	}
	if !reflect.DeepEqual(res.Metadata["columns"], want) {
		t.Fatalf("metadata columns = %v", res.Metadata["columns"])
	}
	if recs[1]["name"] != "Linus" || recs[2]["age"] != "45" {
		t.Fatalf("unexpected records %v", recs)
	}
	if last.Percent != 100 {
		t.Fatalf("final progress = %v", last.Percent)
	}
	if res.BytesProcessed == 0 {
		t.Fatal("expected byte counter")
	}
}

func TestCSVOptions(t *testing.T) {
	path := writeFile(t, "data.tsv", "# exported\nx\ty\n# comment\n 1 \t a\n2\tb\textra\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{
		"filePath":  path,
		"delimiter": `\t`,
		"skipRows":  1,
		"comment":   "#",
		"trimSpace": true,
		"coerce":    map[string]interface{}{"x": "integer"},
	}), nil)
	res, recs := runAll(t, c)
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %v", recs)
	}
	if recs[0]["x"] != int64(1) || recs[0]["y"] != "a" {
		t.Fatalf("unexpected first record %v", recs[0])
	}
	if recs[1]["column_3"] != "extra" {
		t.Fatalf("expected overflow column, got %v", recs[1])
	}
	if !reflect.DeepEqual(res.Columns, []string{"x", "y", "column_3"}) {
		t.Fatalf("columns = %v", res.Columns)
	}
}

func TestCSVDuplicateHeadersKeepEveryColumn(t *testing.T) {
	path := writeFile(t, "dup.csv", "a,a,a_2, ,a\n1,2,3,4,5\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{"filePath": path}), nil)
	defer c.Dispose()
	res, recs := runAll(t, c)
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	want := []string{"a", "a_2", "a_2_2", "column_4", "a_3"}
	if !reflect.DeepEqual(res.Columns, want) {
		t.Fatalf("columns = %v", res.Columns)
	}
	if len(recs) != 1 || len(recs[0]) != 5 || recs[0]["a_2"] != "2" || recs[0]["a_2_2"] != "3" || recs[0]["a_3"] != "5" {
		t.Fatalf("record = %v", recs)
	}
}

func TestCSVWithoutHeaderAndMaxRows(t *testing.T) {
	path := writeFile(t, "raw.csv", "a,b\nc,d\ne,f\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{
		"filePath": path, "hasHeader": false, "maxRows": 2, "batchSize": 1,
	}), nil)
	res, recs := runAll(t, c)
	if !res.Success || res.RecordsProcessed != 2 {
		t.Fatalf("res = %+v", res)
	}
	if recs[0]["column_1"] != "a" || recs[1]["column_2"] != "d" {
		t.Fatalf("records = %v", recs)
	}
}

func TestCSVTransform(t *testing.T) {
	path := writeFile(t, "t.csv", "id,status\n1,ok\n2,deleted\n3,ok\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{
		"filePath":  path,
		"transform": `if row.status == "deleted" then return nil end
return { id = tonumber(row.id), label = "row-" .. row.id }`,
	}), nil)
	res, recs := runAll(t, c)
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	if len(recs) != 2 || recs[1]["id"] != int64(3) || recs[1]["label"] != "row-3" {
		t.Fatalf("records = %v", recs)
	}
	if !reflect.DeepEqual(res.Columns, []string{"id", "label"}) {
		t.Fatalf("columns = %v", res.Columns)
	}
	if res.Metadata["rows_dropped"] != int64(1) {
		t.Fatalf("metadata = %v", res.Metadata)
	}
}

func TestCSVValidation(t *testing.T) {
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, nil), nil)
	vr := c.ValidateConfig(cfgFor(domain.SourceTypeCSV, map[string]interface{}{}))
	if vr.Valid || !vr.HasCode(domain.CodeMissingFilePath) {
		t.Fatalf("expected MISSING_FILE_PATH, got %+v", vr)
	}
	vr = c.ValidateConfig(cfgFor(domain.SourceTypeCSV, map[string]interface{}{
		"filePath": "x.csv", "delimiter": ";;", "transform": "return {", "coerce": map[string]interface{}{"a": "money"},
	}))
	if len(vr.Errors) != 3 || !vr.HasCode(domain.CodeInvalidOption) {
		t.Fatalf("expected three INVALID_OPTION errors, got %+v", vr.Errors)
	}
	vr = c.ValidateConfig(cfgFor(domain.SourceTypeJSON, map[string]interface{}{"filePath": "x.csv"}))
	if !vr.HasCode(domain.CodeTypeMismatch) {
		t.Fatalf("expected TYPE_MISMATCH, got %+v", vr)
	}

	res := c.Run(context.Background(), &domain.ExecutionContext{})
	if res.Success || res.Error.Code != domain.CodeConfigValidation {
		t.Fatalf("expected CONFIG_VALIDATION_ERROR, got %+v", res.Error)
	}
}

func TestMissingFileIsConnectionError(t *testing.T) {
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{"filePath": filepath.Join(t.TempDir(), "nope.csv")}), nil)
	res, _ := runAll(t, c)
	if res.Success || res.Error.Code != domain.CodeConnection {
		t.Fatalf("expected CONNECTION_ERROR, got %+v", res.Error)
	}
	tc := c.TestConnection(context.Background())
	if tc.Success || tc.Error == nil {
		t.Fatalf("expected failed probe, got %+v", tc)
	}
}

func TestCSVAbortFromBatchHandler(t *testing.T) {
	path := writeFile(t, "big.csv", "n\n1\n2\n3\n4\n5\n6\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{"filePath": path, "batchSize": 2}), nil)
	batches := 0
	res := c.Run(context.Background(), &domain.ExecutionContext{
		OnBatch: func(b domain.Batch) error {
			batches++
			if batches == 1 {
				c.Abort()
			}
			return nil
		},
	})
	if res.Success || res.Error.Code != domain.CodeAborted {
		t.Fatalf("expected ABORTED, got %+v", res.Error)
	}
	if batches != 1 || res.RecordsProcessed != 2 {
		t.Fatalf("batches=%d records=%d", batches, res.RecordsProcessed)
	}
}

func TestLatin1Encoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l1.csv")
	if err := os.WriteFile(path, []byte("city\nS\xe3o Paulo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{"filePath": path, "encoding": "latin1"}), nil)
	res, recs := runAll(t, c)
	if !res.Success || recs[0]["city"] != "São Paulo" {
		t.Fatalf("res=%+v recs=%v", res.Error, recs)
	}
}

func TestCSVOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{
		"url":     srv.URL + "/export.csv",
		"headers": map[string]interface{}{"X-Token": "abc"},
	}), nil)
	if tc := c.TestConnection(context.Background()); !tc.Success {
		t.Fatalf("probe failed: %+v", tc)
	}
	res, recs := runAll(t, c)
	if !res.Success || len(recs) != 1 || recs[0]["b"] != "2" {
		t.Fatalf("res=%+v recs=%v", res.Error, recs)
	}
}

func TestCSVCapabilities(t *testing.T) {
	path := writeFile(t, "orders.csv", "id,amount,paid,created\n1,9.5,true,2024-01-02\n2,10,false,2024-02-03\n3,,true,2024-03-04\n")
	c, _ := NewCSV(cfgFor(domain.SourceTypeCSV, map[string]interface{}{"filePath": path}), nil)
	conn := c.(*Connector)

	tables, err := conn.ListAvailableTables(context.Background())
	if err != nil || len(tables) != 1 || tables[0].Name != "orders.csv" {
		t.Fatalf("tables=%v err=%v", tables, err)
	}
	info, err := conn.GetTableSchema(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]domain.SemanticType{}
	for _, col := range info.Columns {
		types[col.Name] = col.Type
	}
	if types["id"] != domain.SemanticInteger || types["amount"] != domain.SemanticDecimal ||
		types["paid"] != domain.SemanticBoolean || types["created"] != domain.SemanticDatetime {
		t.Fatalf("inferred = %v", types)
	}
	if !info.Columns[1].Nullable {
		t.Fatal("amount should be nullable")
	}
	if _, err := conn.GetTableSchema(context.Background(), "other"); err == nil {
		t.Fatal("expected unknown table error")
	}

	pv, err := conn.PreviewData(context.Background(), domain.PreviewRequest{Limit: 2})
	if err != nil || len(pv.Records) != 2 || len(pv.Columns) != 4 {
		t.Fatalf("preview=%+v err=%v", pv, err)
	}
	caps := connector.CapabilitiesOf(c)
	if !caps.ListTables || !caps.Schema || !caps.Preview {
		t.Fatalf("caps = %+v", caps)
	}
}

func TestJSONVariants(t *testing.T) {
	cases := []struct {
		name    string
		content string
		opts    map[string]interface{}
		want    int
		cols    []string
	}{
		{"array", `[{"id":1,"name":"a","tags":["x"]},{"id":2.5,"name":"b"}]`, nil, 2, []string{"id", "name", "tags"}},
		{"ndjson", "{\"b\":1,\"a\":2}\n{\"c\":3}\n", map[string]interface{}{"format": "ndjson"}, 2, []string{"b", "a", "c"}},
		{"path", `{"data":{"items":[{"k":"v"}]}}`, map[string]interface{}{"recordsPath": "data.items"}, 1, []string{"k"}},
		{"flatten", `[{"user":{"name":"a","id":1},"ok":true}]`, map[string]interface{}{"flatten": true}, 1, []string{"user.id", "user.name", "ok"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := map[string]interface{}{"filePath": writeFile(t, "d.json", tc.content)}
			for k, v := range tc.opts {
				opts[k] = v
			}
			c, _ := NewJSON(cfgFor(domain.SourceTypeJSON, opts), nil)
			res, recs := runAll(t, c)
			if !res.Success {
				t.Fatalf("run failed: %+v", res.Error)
			}
			if len(recs) != tc.want {
				t.Fatalf("records = %v", recs)
			}
			if !reflect.DeepEqual(res.Columns, tc.cols) {
				t.Fatalf("columns = %v", res.Columns)
			}
		})
	}
}

func TestJSONNumbers(t *testing.T) {
	c, _ := NewJSON(cfgFor(domain.SourceTypeJSON, map[string]interface{}{"filePath": writeFile(t, "n.json", `[{"i":3,"f":1.25}]`)}), nil)
	_, recs := runAll(t, c)
	if recs[0]["i"] != int64(3) || recs[0]["f"] != 1.25 {
		t.Fatalf("record = %#v", recs[0])
	}
}

func TestJSONTruncatedArrayFails(t *testing.T) {
	for _, body := range []string{`[{"a":1},`, `[{"a":1}`, `[{"a":1},{"b":`} {
		c, _ := NewJSON(cfgFor(domain.SourceTypeJSON, map[string]interface{}{"filePath": writeFile(t, "t.json", body)}), nil)
		res, _ := runAll(t, c)
		c.Dispose()
		if res.Success || res.Error == nil {
			t.Fatalf("%s: expected failure, got success with %d records", body, res.RecordsProcessed)
		}
		if res.Error.Code != domain.CodeExecution {
			t.Fatalf("%s: code = %s", body, res.Error.Code)
		}
	}
}

func TestJSONRecordsPathMissing(t *testing.T) {
	c, _ := NewJSON(cfgFor(domain.SourceTypeJSON, map[string]interface{}{
		"filePath": writeFile(t, "p.json", `{"data":{}}`), "recordsPath": "data.items",
	}), nil)
	res, _ := runAll(t, c)
	if res.Success || res.Error.Code != domain.CodeInvalidOption {
		t.Fatalf("expected INVALID_OPTION, got %+v", res.Error)
	}
}

func TestYAMLSequenceAndDocuments(t *testing.T) {
	seq := "- id: 1\n  name: a\n- id: 2\n  name: b\n"
	c, _ := NewYAML(cfgFor(domain.SourceTypeYAML, map[string]interface{}{"filePath": writeFile(t, "s.yaml", seq)}), nil)
	res, recs := runAll(t, c)
	if !res.Success || len(recs) != 2 || recs[1]["id"] != int64(2) {
		t.Fatalf("res=%+v recs=%v", res.Error, recs)
	}
	if !reflect.DeepEqual(res.Columns, []string{"id", "name"}) {
		t.Fatalf("columns = %v", res.Columns)
	}

	docs := "name: a\n---\nname: b\n---\nname: c\n"
	c, _ = NewYAML(cfgFor(domain.SourceTypeYAML, map[string]interface{}{"filePath": writeFile(t, "d.yaml", docs)}), nil)
	res, _ = runAll(t, c)
	if !res.Success || res.RecordsProcessed != 3 {
		t.Fatalf("res = %+v", res)
	}

	nested := "meta:\n  v: 1\nrows:\n  - x: true\n"
	c, _ = NewYAML(cfgFor(domain.SourceTypeYAML, map[string]interface{}{"filePath": writeFile(t, "n.yaml", nested), "recordsPath": "rows"}), nil)
	_, recs = runAll(t, c)
	if len(recs) != 1 || recs[0]["x"] != true {
		t.Fatalf("recs = %v", recs)
	}
}

func TestExcelSheets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	_ = f.SetCellValue("Sheet1", "A1", "sku")
	_ = f.SetCellValue("Sheet1", "B1", "qty")
	_ = f.SetCellValue("Sheet1", "A2", "X-1")
	_ = f.SetCellValue("Sheet1", "B2", 4)
	if _, err := f.NewSheet("Returns"); err != nil {
		t.Fatal(err)
	}
	_ = f.SetCellValue("Returns", "A1", "sku")
	_ = f.SetCellValue("Returns", "A2", "X-9")
	_ = f.SetCellValue("Returns", "A3", "X-8")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c, _ := NewExcel(cfgFor(domain.SourceTypeExcel, map[string]interface{}{"filePath": path}), nil)
	conn := c.(*Connector)
	tables, err := conn.ListAvailableTables(context.Background())
	if err != nil || len(tables) != 2 || tables[1].Name != "Returns" {
		t.Fatalf("tables=%v err=%v", tables, err)
	}
	res, recs := runAll(t, c)
	if !res.Success || len(recs) != 1 || recs[0]["qty"] != "4" {
		t.Fatalf("res=%+v recs=%v", res.Error, recs)
	}

	info, err := conn.GetTableSchema(context.Background(), "Returns")
	if err != nil || len(info.Columns) != 1 || info.Columns[0].Name != "sku" {
		t.Fatalf("info=%+v err=%v", info, err)
	}

	c2, _ := NewExcel(cfgFor(domain.SourceTypeExcel, map[string]interface{}{"filePath": path, "sheet": "Returns"}), nil)
	res, _ = runAll(t, c2)
	if !res.Success || res.RecordsProcessed != 2 {
		t.Fatalf("res = %+v", res)
	}
	c3, _ := NewExcel(cfgFor(domain.SourceTypeExcel, map[string]interface{}{"filePath": path, "sheet": "Nope"}), nil)
	res, _ = runAll(t, c3)
	if res.Success || res.Error.Code != domain.CodeInvalidOption {
		t.Fatalf("expected INVALID_OPTION, got %+v", res.Error)
	}
}

func TestResolveLocation(t *testing.T) {
	loc, err := resolveLocation(connector.Params{"filePath": "s3://bucket/dir/file.csv"})
	if err != nil || loc.bucket != "bucket" || loc.key != "dir/file.csv" || loc.name() != "file.csv" {
		t.Fatalf("loc=%+v err=%v", loc, err)
	}
	if _, err := resolveLocation(connector.Params{"url": "ftp://x/y"}); domain.CodeOf(err) != domain.CodeInvalidOption {
		t.Fatalf("expected INVALID_OPTION, got %v", err)
	}
	if _, err := resolveLocation(connector.Params{"url": "s3://bucket"}); err == nil {
		t.Fatal("expected error for s3 url without key")
	}
}
