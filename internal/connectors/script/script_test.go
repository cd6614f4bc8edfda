package script

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellSource(content string, opts map[string]interface{}) domain.DataSourceConfig {
	o := map[string]interface{}{"scriptType": "shell", "scriptContent": content}
	for k, v := range opts {
		o[k] = v
	}
	return domain.DataSourceConfig{ID: "script-src", Name: "script", Type: domain.SourceTypeScript, Options: o}
}

func newScript(t *testing.T, cfg domain.DataSourceConfig) connector.Connector {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

func collect(batches *[]domain.Batch) *domain.ExecutionContext {
	return &domain.ExecutionContext{
		ExecutionID: "exec-1",
		OnBatch: func(b domain.Batch) error {
			*batches = append(*batches, b)
			return nil
		},
	}
}

func TestRunJSONArray(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`echo '[{"id":1,"name":"a"},{"id":2,"name":"b","extra":true}]'`, nil))

	var batches []domain.Batch
	res := c.Run(context.Background(), collect(&batches))
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	if res.RecordsProcessed != 2 || len(batches) != 1 {
		t.Fatalf("records=%d batches=%d", res.RecordsProcessed, len(batches))
	}
	if got := strings.Join(res.Columns, ","); got != "id,name,extra" {
		t.Fatalf("columns: %s", got)
	}
	if v, ok := batches[0].Records[0]["id"].(int64); !ok || v != 1 {
		t.Fatalf("expected int64 id, got %#v", batches[0].Records[0]["id"])
	}
	if res.Metadata["exit_code"] != 0 {
		t.Fatalf("exit_code: %v", res.Metadata["exit_code"])
	}
}

func TestRunNDJSONBatches(t *testing.T) {
	requireShell(t)
	script := `for i in 1 2 3 4 5; do echo "{\"n\":$i}"; done`
	c := newScript(t, shellSource(script, map[string]interface{}{"batchSize": 2}))

	var batches []domain.Batch
	res := c.Run(context.Background(), collect(&batches))
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	if res.RecordsProcessed != 5 || len(batches) != 3 {
		t.Fatalf("records=%d batches=%d", res.RecordsProcessed, len(batches))
	}
	if batches[2].Records[0]["n"] != int64(5) {
		t.Fatalf("last record: %#v", batches[2].Records[0])
	}
}

func TestRunRecordsEnvelope(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`echo '{"records":[{"a":1},{"a":2},{"a":3}],"source":"api"}'`, nil))
	res := c.Run(context.Background(), nil)
	if !res.Success || res.RecordsProcessed != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunForwardsStderr(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`echo "fetching page 1" >&2; echo '[]'`, nil))

	var logs []domain.LogEntry
	ec := &domain.ExecutionContext{OnLog: func(e domain.LogEntry) { logs = append(logs, e) }}
	res := c.Run(context.Background(), ec)
	if !res.Success || res.RecordsProcessed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	found := false
	for _, e := range logs {
		if e.Message == "fetching page 1" && e.Fields["stream"] == "stderr" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stderr line not forwarded: %+v", logs)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`echo '{"a":1}'; echo "token expired" >&2; exit 3`, nil))
	res := c.Run(context.Background(), nil)
	if res.Success || res.Error == nil {
		t.Fatal("expected failure")
	}
	if res.Error.Code != domain.CodeExecution {
		t.Fatalf("code: %s", res.Error.Code)
	}
	if !strings.Contains(res.Error.Message, "status 3") || !strings.Contains(res.Error.Details, "token expired") {
		t.Fatalf("error: %+v", res.Error)
	}
}

func TestRunMalformedOutput(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`echo '[{"a":1},'`, nil))
	res := c.Run(context.Background(), nil)
	if res.Success || res.Error.Code != domain.CodeExecution {
		t.Fatalf("expected execution error, got %+v", res.Error)
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`sleep 30 & sleep 30`, map[string]interface{}{"timeout": "1s"}))

	start := time.Now()
	res := c.Run(context.Background(), nil)
	if res.Success || res.Error.Code != domain.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestAbortDuringRun(t *testing.T) {
	requireShell(t)
	c := newScript(t, shellSource(`echo '{"a":1}'; echo '{"a":2}'; sleep 30; echo '{"a":3}'`, map[string]interface{}{"batchSize": 1}))

	ec := &domain.ExecutionContext{OnBatch: func(domain.Batch) error {
		c.Abort()
		return nil
	}}
	start := time.Now()
	res := c.Run(context.Background(), ec)
	if res.Success || res.Error.Code != domain.CodeAborted {
		t.Fatalf("expected ABORTED, got %+v", res.Error)
	}
	if res.RecordsProcessed != 1 {
		t.Fatalf("records: %d", res.RecordsProcessed)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("abort took %s", elapsed)
	}
}

func TestRunScriptPathArgsEnv(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "emit.sh")
	body := `printf '{"arg":"%s","greeting":"%s","exec":"%s"}\n' "$1" "$GREETING" "$DATAFORGE_EXECUTION_ID"` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := domain.DataSourceConfig{ID: "s", Name: "s", Type: domain.SourceTypeScript, Options: map[string]interface{}{
		"scriptType": "shell",
		"scriptPath": path,
		"args":       []interface{}{"first"},
		"env":        map[string]interface{}{"GREETING": "hello"},
		"workDir":    dir,
	}}
	c := newScript(t, cfg)

	var batches []domain.Batch
	res := c.Run(context.Background(), collect(&batches))
	if !res.Success {
		t.Fatalf("run failed: %+v", res.Error)
	}
	rec := batches[0].Records[0]
	if rec["arg"] != "first" || rec["greeting"] != "hello" || rec["exec"] != "exec-1" {
		t.Fatalf("record: %#v", rec)
	}
}

func TestValidateConfig(t *testing.T) {
	c := newScript(t, shellSource("echo []", nil))

	cases := []struct {
		opts map[string]interface{}
		code string
	}{
		{map[string]interface{}{"scriptType": "ruby", "scriptContent": "x"}, domain.CodeInvalidScriptType},
		{map[string]interface{}{"scriptContent": "x"}, domain.CodeInvalidScriptType},
		{map[string]interface{}{"scriptType": "bash"}, domain.CodeMissingScript},
		{map[string]interface{}{"scriptType": "bash", "scriptContent": "x", "timeout": "45m"}, domain.CodeInvalidOption},
		{map[string]interface{}{"scriptType": "bash", "scriptContent": "x", "timeout": "soon"}, domain.CodeInvalidOption},
		{map[string]interface{}{"scriptType": "bash", "scriptContent": "x", "env": "A=B"}, domain.CodeInvalidOption},
		{map[string]interface{}{"scriptType": "bash", "scriptContent": "x", "batchSize": 60000}, domain.CodeInvalidOption},
	}
	for _, tc := range cases {
		cfg := domain.DataSourceConfig{ID: "s", Name: "s", Type: domain.SourceTypeScript, Options: tc.opts}
		vr := c.ValidateConfig(cfg)
		if vr.Valid || !vr.HasCode(tc.code) {
			t.Fatalf("opts %v: expected %s, got %+v", tc.opts, tc.code, vr)
		}
	}

	ok := c.ValidateConfig(shellSource("echo []", map[string]interface{}{"timeout": 90}))
	if !ok.Valid {
		t.Fatalf("expected valid config: %+v", ok)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := domain.DataSourceConfig{ID: "s", Name: "s", Type: domain.SourceTypeScript, Options: map[string]interface{}{"scriptType": "shell"}}
	c := newScript(t, cfg)
	res := c.Run(context.Background(), nil)
	if res.Success || res.Error.Code != domain.CodeConfigValidation {
		t.Fatalf("expected validation failure, got %+v", res.Error)
	}
}

func TestTestConnection(t *testing.T) {
	requireShell(t)
	res := newScript(t, shellSource("echo []", nil)).TestConnection(context.Background())
	if !res.Success || res.Version == "" {
		t.Fatalf("expected success: %+v", res)
	}

	cfg := domain.DataSourceConfig{ID: "s", Name: "s", Type: domain.SourceTypeScript, Options: map[string]interface{}{
		"scriptType": "shell",
		"scriptPath": filepath.Join(t.TempDir(), "missing.sh"),
	}}
	res = newScript(t, cfg).TestConnection(context.Background())
	if res.Success || res.Error == nil || res.Error.Code != domain.CodeConnection {
		t.Fatalf("expected connection error: %+v", res)
	}
}

func TestOutputReaderForms(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{`[]`, 0},
		{"", 0},
		{`  [{"a":1}, {"a":2}]`, 2},
		{"{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n", 3},
		{`{"records":[{"a":1}]}`, 1},
		{`{"records":"nope"}`, 1},
		{`[1, "x"]`, 2},
	}
	for _, tc := range cases {
		input, want := tc.input, tc.want
		r := newOutputReader(strings.NewReader(input))
		n := 0
		for {
			_, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("%q: %v", input, err)
			}
			n++
		}
		if n != want {
			t.Fatalf("%q: got %d records, want %d", input, n, want)
		}
	}

	r := newOutputReader(strings.NewReader(`[1]`))
	rec, err := r.Next()
	if err != nil || rec["value"] != int64(1) {
		t.Fatalf("scalar element: %#v %v", rec, err)
	}
}

func TestOutputReaderTruncatedArray(t *testing.T) {
	for _, input := range []string{`[{"a":1},`, `[{"a":1}`} {
		r := newOutputReader(strings.NewReader(input))
		var err error
		for i := 0; i < 5 && err == nil; i++ {
			_, err = r.Next()
		}
		if err == nil || err == io.EOF {
			t.Fatalf("%q: expected a parse error, got %v", input, err)
		}
	}
}
