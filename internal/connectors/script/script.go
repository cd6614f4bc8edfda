// Package script runs a user supplied program and ingests the JSON it prints.
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/mmrzaf/dataforge/internal/timeutil"
)

const (
	DefaultTimeout = 60 * time.Second
	MaxTimeout     = 30 * time.Minute
	MinTimeout     = time.Second

	defaultBatchSize = 1000
	maxBatchSize     = 50000
	stderrTailLines  = 20
	stderrBuffer     = 256
)

// interpreters lists the candidate binaries per script type, first found wins.
var interpreters = map[string][]string{
	"shell":  {"sh"},
	"bash":   {"bash"},
	"python": {"python3", "python"},
	"node":   {"node", "nodejs"},
}

var extensions = map[string]string{
	"shell":  ".sh",
	"bash":   ".sh",
	"python": ".py",
	"node":   ".js",
}

type Connector struct {
	*connector.Base
	defaultTimeout time.Duration
}

// New builds a script connector with the default one minute timeout.
func New(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return &Connector{Base: connector.NewBase(cfg, logger), defaultTimeout: DefaultTimeout}, nil
}

// NewFactory returns a factory whose connectors fall back to timeout when a
// config does not set one.
func NewFactory(timeout time.Duration) connector.Factory {
	if timeout < MinTimeout || timeout > MaxTimeout {
		timeout = DefaultTimeout
	}
	return func(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
		return &Connector{Base: connector.NewBase(cfg, logger), defaultTimeout: timeout}, nil
	}
}

func (c *Connector) Type() domain.SourceType { return domain.SourceTypeScript }

func (c *Connector) ValidateConfig(cfg domain.DataSourceConfig) domain.ValidationResult {
	r := domain.NewValidationResult()
	c.CheckType(cfg, domain.SourceTypeScript, &r)
	p := connector.Merge(cfg.Connection, cfg.Options)

	typ := p.String("scriptType")
	if _, ok := interpreters[typ]; !ok {
		r.AddError("options.scriptType", domain.CodeInvalidScriptType, fmt.Sprintf("script type must be one of shell, bash, python, node; got %q", typ))
	}

	content, path := p.String("scriptContent"), p.String("scriptPath")
	switch {
	case content == "" && path == "":
		r.AddError("options.scriptContent", domain.CodeMissingScript, "scriptContent or scriptPath is required")
	case content != "" && path != "":
		r.AddWarning("scriptContent and scriptPath are both set; scriptContent is used")
	}

	if p.Has("timeout") {
		if _, err := parseTimeout(p.String("timeout")); err != nil {
			r.AddError("options.timeout", domain.CodeInvalidOption, err.Error())
		}
	}
	if p.Has("batchSize") {
		n, ok := p.Int("batchSize")
		if !ok || n < 0 || n > maxBatchSize {
			r.AddError("options.batchSize", domain.CodeInvalidOption, fmt.Sprintf("batchSize must be between 0 and %d", maxBatchSize))
		}
	}
	if p.Has("env") && p.Map("env") == nil {
		r.AddError("options.env", domain.CodeInvalidOption, "env must be a map of names to values")
	}
	if dir := p.String("workDir"); dir != "" {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			r.AddError("options.workDir", domain.CodeInvalidOption, fmt.Sprintf("work directory %q does not exist", dir))
		}
	}
	return r
}

// parseTimeout accepts a duration string or a bare number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	if s != "" && strings.Trim(s, "0123456789") == "" {
		s += "s"
	}
	return timeutil.ParseBoundedDuration(s, MinTimeout, MaxTimeout)
}

func (c *Connector) TestConnection(ctx context.Context) domain.TestConnectionResult {
	p := c.Params()
	return connector.Probe(ctx, func(ctx context.Context) (string, error) {
		interp, err := lookupInterpreter(p)
		if err != nil {
			return "", err
		}
		if p.String("scriptContent") == "" {
			path := p.String("scriptPath")
			if path == "" {
				return "", domain.NewError(domain.CodeMissingScript, "scriptContent or scriptPath is required", nil)
			}
			if _, err := os.Stat(path); err != nil {
				return "", domain.ConnectionError("script file not accessible", err)
			}
		}
		return interpreterVersion(ctx, interp), nil
	})
}

func lookupInterpreter(p connector.Params) (string, error) {
	if custom := p.String("interpreter"); custom != "" {
		path, err := exec.LookPath(custom)
		if err != nil {
			return "", domain.ConnectionError(fmt.Sprintf("interpreter %q not found", custom), err)
		}
		return path, nil
	}
	typ := p.String("scriptType")
	candidates, ok := interpreters[typ]
	if !ok {
		return "", domain.NewError(domain.CodeInvalidScriptType, fmt.Sprintf("unknown script type %q", typ), nil)
	}
	var lastErr error
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", domain.ConnectionError(fmt.Sprintf("no %s interpreter on PATH", typ), lastErr)
}

// interpreterVersion is best effort; shells without --version report their path.
func interpreterVersion(ctx context.Context, interp string) string {
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(vctx, interp, "--version").Output()
	if err != nil {
		return interp
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return interp
	}
	return line
}

func (c *Connector) Run(ctx context.Context, ec *domain.ExecutionContext) domain.ExecutionResult {
	return c.Execute(ctx, ec, func() domain.ValidationResult { return c.ValidateConfig(c.Config) }, c.run)
}

func (c *Connector) run(ctx context.Context, s *connector.Session) error {
	p := c.Params()
	s.Connecting()

	timeout := c.defaultTimeout
	if p.Has("timeout") {
		d, err := parseTimeout(p.String("timeout"))
		if err != nil {
			return domain.NewError(domain.CodeInvalidOption, "invalid timeout", err)
		}
		timeout = d
	}
	batchSize := int(p.IntOr("batchSize", defaultBatchSize))
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	interp, err := lookupInterpreter(p)
	if err != nil {
		return err
	}
	scriptPath, cleanup, err := materialize(p)
	if err != nil {
		return err
	}
	defer cleanup()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, interp, append([]string{scriptPath}, p.Strings("args")...)...)
	isolate(cmd)
	cmd.WaitDelay = 5 * time.Second
	cmd.Dir = p.String("workDir")
	cmd.Env = environ(p, s.ExecutionContext())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.ExecutionFailure("attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.ExecutionFailure("attach stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return domain.ExecutionFailure("start script", err)
	}
	started := true
	defer func() {
		if started {
			cancel()
			_ = cmd.Wait()
		}
	}()

	s.SetMeta("interpreter", interp)
	s.SetMeta("pid", cmd.Process.Pid)
	s.Log("info", "script started", map[string]interface{}{"interpreter": interp, "timeout": timeout.String()})

	errs := newStderrCollector(stderr)
	out := newOutputReader(stdout)
	counter := out.counter
	s.Extracting()

	streamErr := s.Stream(cctx, func(ctx context.Context) ([]domain.Record, bool, error) {
		defer errs.drain(s)
		batch := make([]domain.Record, 0, batchSize)
		for len(batch) < batchSize {
			rec, err := out.Next()
			if err == io.EOF {
				s.MergeColumns(out.Columns())
				s.SetBytes(counter.n)
				return batch, true, nil
			}
			if err != nil {
				return nil, false, domain.ExecutionFailure("parse script output", err)
			}
			batch = append(batch, rec)
		}
		s.MergeColumns(out.Columns())
		s.SetBytes(counter.n)
		return batch, false, nil
	})
	if streamErr != nil {
		return streamErr
	}

	started = false
	waitErr := cmd.Wait()
	errs.wait()
	errs.drain(s)

	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			e := domain.NewError(domain.CodeTimeout, fmt.Sprintf("script exceeded timeout of %s", timeout), waitErr)
			e.Details = errs.tail()
			return e
		}
		e := domain.ExecutionFailure(exitMessage(waitErr), waitErr)
		e.Details = errs.tail()
		return e
	}
	s.SetMeta("exit_code", 0)
	return nil
}

func exitMessage(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("script exited with status %d", exitErr.ExitCode())
	}
	return "script failed"
}

// materialize returns a path to run. Inline content goes to a private temp
// file removed by cleanup.
func materialize(p connector.Params) (string, func(), error) {
	content := p.String("scriptContent")
	if content == "" {
		path := p.String("scriptPath")
		if _, err := os.Stat(path); err != nil {
			return "", func() {}, domain.ConnectionError("script file not accessible", err)
		}
		return path, func() {}, nil
	}
	f, err := os.CreateTemp("", "dataforge-script-*"+extensions[p.String("scriptType")])
	if err != nil {
		return "", func() {}, domain.ExecutionFailure("write script", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.WriteString(content + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, domain.ExecutionFailure("write script", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, domain.ExecutionFailure("write script", err)
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		cleanup()
		return "", func() {}, domain.ExecutionFailure("write script", err)
	}
	return f.Name(), cleanup, nil
}

// environ is the parent environment plus the configured variables and the
// run identifiers.
func environ(p connector.Params, ec *domain.ExecutionContext) []string {
	env := os.Environ()
	extra := p.StringMap("env")
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	if ec.ExecutionID != "" {
		env = append(env, "DATAFORGE_EXECUTION_ID="+ec.ExecutionID)
	}
	if ec.DataSourceID != "" {
		env = append(env, "DATAFORGE_DATA_SOURCE_ID="+ec.DataSourceID)
	}
	return env
}

// stderrCollector reads stderr lines off the run goroutine and hands them
// back at batch boundaries so log callbacks stay on the run goroutine.
type stderrCollector struct {
	lines   chan string
	done    chan struct{}
	mu      sync.Mutex
	last    []string
	dropped int
}

func newStderrCollector(r io.Reader) *stderrCollector {
	c := &stderrCollector{lines: make(chan string, stderrBuffer), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			c.mu.Lock()
			c.last = append(c.last, line)
			if len(c.last) > stderrTailLines {
				c.last = c.last[len(c.last)-stderrTailLines:]
			}
			c.mu.Unlock()
			select {
			case c.lines <- line:
			default:
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
			}
		}
	}()
	return c
}

func (c *stderrCollector) drain(s *connector.Session) {
	for {
		select {
		case line := <-c.lines:
			s.Log("info", line, map[string]interface{}{"stream": "stderr"})
		default:
			return
		}
	}
}

func (c *stderrCollector) wait() {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped > 0 {
		c.last = append(c.last, fmt.Sprintf("(%d stderr lines not forwarded)", c.dropped))
	}
}

func (c *stderrCollector) tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.last, "\n")
}
