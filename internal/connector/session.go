package connector

import (
	"context"
	"errors"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

var errAborted = domain.NewError(domain.CodeAborted, "run aborted", nil)

// Session holds the counters and callbacks of one run.
type Session struct {
	base     *Base
	ec       *domain.ExecutionContext
	progress *ProgressReporter
	started  time.Time

	step       string
	records    int64
	bytes      int64
	batches    int
	total      *int64
	totalBytes *int64
	columns    []string
	metadata   map[string]interface{}
}

func newSession(b *Base, ec *domain.ExecutionContext, progress *ProgressReporter, started time.Time) *Session {
	return &Session{
		base:     b,
		ec:       ec,
		progress: progress,
		started:  started,
		metadata: map[string]interface{}{},
	}
}

func (s *Session) ExecutionContext() *domain.ExecutionContext {
	return s.ec
}

// Connecting marks the connect phase.
func (s *Session) Connecting() {
	s.base.setState(StateConnecting)
	s.Report("connecting")
}

// Extracting marks the start of the batch loop.
func (s *Session) Extracting() {
	s.base.setState(StateExtracting)
	s.Report("extracting")
}

func (s *Session) SetTotalRecords(n int64) {
	if n >= 0 {
		s.total = &n
	}
}

func (s *Session) SetTotalBytes(n int64) {
	if n > 0 {
		s.totalBytes = &n
	}
}

func (s *Session) AddBytes(n int64) {
	s.bytes += n
}

func (s *Session) SetBytes(n int64) {
	if n > s.bytes {
		s.bytes = n
	}
}

func (s *Session) SetColumns(cols []string) {
	if len(s.columns) == 0 && len(cols) > 0 {
		s.columns = append([]string(nil), cols...)
	}
}

// MergeColumns appends names not seen before, keeping first-seen order.
func (s *Session) MergeColumns(cols []string) {
	for _, c := range cols {
		found := false
		for _, have := range s.columns {
			if have == c {
				found = true
				break
			}
		}
		if !found {
			s.columns = append(s.columns, c)
		}
	}
}

func (s *Session) Columns() []string {
	return s.columns
}

func (s *Session) SetMeta(key string, v interface{}) {
	s.metadata[key] = v
}

func (s *Session) Records() int64 {
	return s.records
}

// Checkpoint is the cancellation check made at every batch boundary.
func (s *Session) Checkpoint(ctx context.Context) error {
	if s.base.Aborted() {
		return errAborted
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.NewError(domain.CodeTimeout, "run deadline exceeded", err)
		}
		return errAborted
	}
	return nil
}

// Emit hands one batch to the caller and advances the counters.
func (s *Session) Emit(records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.batches++
	if s.ec.OnBatch != nil {
		if err := s.ec.OnBatch(domain.Batch{Sequence: s.batches, Columns: s.columns, Records: records}); err != nil {
			return domain.ExecutionFailure("batch handler failed", err)
		}
	}
	s.records += int64(len(records))
	s.Report("extracting")
	return nil
}

// Pull fetches the next batch; done reports that nothing follows it.
type Pull func(ctx context.Context) (records []domain.Record, done bool, err error)

// Stream drives the batch loop, checking for cancellation before each batch.
func (s *Session) Stream(ctx context.Context, pull Pull) error {
	for {
		if err := s.Checkpoint(ctx); err != nil {
			return err
		}
		recs, done, err := pull(ctx)
		if err != nil {
			if cerr := s.Checkpoint(ctx); cerr != nil {
				return cerr
			}
			return err
		}
		if err := s.Emit(recs); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) Report(step string) {
	s.step = step
	pct := 0.0
	switch step {
	case "validating":
		pct = 0
	case "connecting":
		pct = 5
	default:
		pct = extractionPercent(s.records, s.total, s.bytes, s.totalBytes, s.batches)
	}
	s.progress.Report(domain.ProgressInfo{
		Percent:          pct,
		Step:             step,
		RecordsProcessed: s.records,
		TotalRecords:     s.total,
		BytesProcessed:   s.bytes,
		TotalBytes:       s.totalBytes,
	})
}

func (s *Session) finish() {
	zero := time.Duration(0)
	s.progress.Report(domain.ProgressInfo{
		Percent:            100,
		Step:               "completed",
		RecordsProcessed:   s.records,
		TotalRecords:       s.total,
		BytesProcessed:     s.bytes,
		TotalBytes:         s.totalBytes,
		EstimatedRemaining: &zero,
	})
}

// Log mirrors an entry to the connector logger and the run's log callback.
func (s *Session) Log(level, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	if s.ec.ExecutionID != "" {
		fields["execution_id"] = s.ec.ExecutionID
	}
	s.base.Logger.Log(level, msg, fields)
	if s.ec.OnLog != nil {
		s.ec.OnLog(domain.LogEntry{Time: time.Now().UTC(), Level: level, Message: msg, Fields: fields})
	}
}

func (s *Session) result(success bool) domain.ExecutionResult {
	meta := make(map[string]interface{}, len(s.metadata)+2)
	for k, v := range s.metadata {
		meta[k] = v
	}
	meta["batches"] = s.batches
	if len(s.columns) > 0 {
		meta["columns"] = s.columns
	}
	return domain.ExecutionResult{
		Success:          success,
		RecordsProcessed: s.records,
		BytesProcessed:   s.bytes,
		Duration:         time.Since(s.started),
		Columns:          s.columns,
		Metadata:         meta,
	}
}
