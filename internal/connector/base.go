package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

// Base carries the lifecycle every connector variant shares. Variants embed
// it and route their Run through Execute.
type Base struct {
	Config domain.DataSourceConfig
	Logger *logging.Logger

	mu       sync.Mutex
	state    State
	running  bool
	cancel   context.CancelFunc
	progress *ProgressReporter
	aborted  atomic.Bool

	disposeOnce sync.Once
	disposeErr  error
	disposed    atomic.Bool
}

func NewBase(cfg domain.DataSourceConfig, logger *logging.Logger) *Base {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Base{
		Config: cfg,
		Logger: logger.WithComponent("connector").WithFields(map[string]any{
			"data_source_id": cfg.ID,
			"source_type":    string(cfg.Type),
		}),
		state: StateIdle,
	}
}

// Params merges connection parameters and options, options winning.
func (b *Base) Params() Params {
	return Merge(b.Config.Connection, b.Config.Options)
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.Logger.Debugw("connector.state", map[string]any{"from": string(prev), "to": string(s)})
	}
}

// CheckType records a TYPE_MISMATCH error when cfg was declared for another variant.
func (b *Base) CheckType(cfg domain.DataSourceConfig, want domain.SourceType, r *domain.ValidationResult) {
	if cfg.Type != want {
		r.AddError("type", domain.CodeTypeMismatch, fmt.Sprintf("connector handles %q, config declares %q", want, cfg.Type))
	}
}

// Abort requests cooperative cancellation of the active run. It is a no-op
// when nothing is running.
func (b *Base) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.aborted.Store(true)
	if b.progress != nil {
		b.progress.Stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Base) Aborted() bool {
	return b.aborted.Load()
}

// DisposeWith aborts any active run and calls release at most once.
func (b *Base) DisposeWith(release func() error) error {
	b.disposeOnce.Do(func() {
		b.Abort()
		b.disposed.Store(true)
		if release != nil {
			b.disposeErr = release()
		}
	})
	return b.disposeErr
}

func (b *Base) Dispose() error {
	return b.DisposeWith(nil)
}

func (b *Base) Disposed() bool {
	return b.disposed.Load()
}

// RunFunc performs the connect and extract phases of one run.
type RunFunc func(ctx context.Context, s *Session) error

// Execute is the single error boundary of a run. It validates, runs body,
// recovers panics and maps every outcome into an ExecutionResult.
func (b *Base) Execute(ctx context.Context, ec *domain.ExecutionContext, validate func() domain.ValidationResult, body RunFunc) (res domain.ExecutionResult) {
	start := time.Now()
	if ec == nil {
		ec = &domain.ExecutionContext{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return failedResult(start, domain.CodeExecution, domain.ErrRunInProgress.Error(), "")
	}
	if b.disposed.Load() {
		b.mu.Unlock()
		return failedResult(start, domain.CodeExecution, "connector disposed", "")
	}
	runCtx, cancel := context.WithCancel(ctx)
	progress := NewProgressReporter(ec.OnProgress, start)
	b.running = true
	b.cancel = cancel
	b.progress = progress
	b.aborted.Store(false)
	b.mu.Unlock()

	s := newSession(b, ec, progress, start)

	defer func() {
		cancel()
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.progress = nil
		b.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			progress.Stop()
			b.setState(StateFailed)
			b.Logger.Errorw("connector.panic", map[string]any{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			res = s.result(false)
			res.Error = &domain.ExecutionError{Code: domain.CodeExecution, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	b.setState(StateValidating)
	s.Report("validating")
	if validate != nil {
		vr := validate()
		if !vr.Valid {
			progress.Stop()
			b.setState(StateFailed)
			res = s.result(false)
			res.Error = &domain.ExecutionError{
				Code:    domain.CodeConfigValidation,
				Message: "configuration is invalid",
				Details: describeValidation(vr),
			}
			return res
		}
	}

	err := body(runCtx, s)
	if err == nil {
		// an abort that lands during the last pull still wins
		err = s.Checkpoint(runCtx)
	}
	if err == nil {
		b.setState(StateFinalizing)
		s.finish()
		b.setState(StateSucceeded)
		res = s.result(true)
		s.Log("info", "run completed", map[string]any{"records": res.RecordsProcessed, "duration_ms": res.Duration.Milliseconds()})
		return res
	}

	progress.Stop()
	code := classify(err, b.aborted.Load(), ctx)
	if code == domain.CodeAborted {
		b.setState(StateAborted)
	} else {
		b.setState(StateFailed)
	}
	res = s.result(false)
	res.Error = domain.AsExecutionError(err, code)
	res.Error.Code = code
	if code == domain.CodeAborted {
		res.Error.Message = "run aborted"
	}
	b.Logger.Warnw("connector.run_failed", map[string]any{"code": code, "error": err.Error(), "records": res.RecordsProcessed})
	return res
}

func classify(err error, aborted bool, parent context.Context) string {
	if aborted || errors.Is(err, errAborted) {
		return domain.CodeAborted
	}
	if c := domain.CodeOf(err); c != "" {
		return c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CodeTimeout
	}
	if errors.Is(err, context.Canceled) || parent.Err() != nil {
		return domain.CodeAborted
	}
	return domain.CodeExecution
}

func failedResult(start time.Time, code, msg, details string) domain.ExecutionResult {
	return domain.ExecutionResult{
		Success:  false,
		Duration: time.Since(start),
		Metadata: map[string]interface{}{},
		Error:    &domain.ExecutionError{Code: code, Message: msg, Details: details},
	}
}

func describeValidation(vr domain.ValidationResult) string {
	parts := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		if e.Field != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", e.Message, e.Code))
		}
	}
	return strings.Join(parts, "; ")
}

// Probe runs a connectivity check and reports latency up to the point of
// success or failure. fn must release whatever it opens before returning.
func Probe(ctx context.Context, fn func(ctx context.Context) (string, error)) (res domain.TestConnectionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = domain.TestConnectionResult{
				Success:   false,
				Message:   fmt.Sprintf("internal error: %v", r),
				LatencyMS: time.Since(start).Milliseconds(),
				Error:     &domain.ExecutionError{Code: domain.CodeConnection, Message: fmt.Sprint(r)},
			}
		}
	}()

	version, err := fn(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		code := domain.CodeOf(err)
		if code == "" {
			code = domain.CodeConnection
		}
		ee := domain.AsExecutionError(err, code)
		return domain.TestConnectionResult{Success: false, Message: err.Error(), LatencyMS: latency, Error: ee}
	}
	return domain.TestConnectionResult{Success: true, Message: "connection successful", LatencyMS: latency, Version: version}
}
