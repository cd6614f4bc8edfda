package connector

import (
	"math"
	"sync"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

const (
	percentConnected  = 10.0
	percentExtracting = 95.0
)

// ProgressReporter forwards progress to a callback while keeping percent
// within [0,100] and non-decreasing. It goes silent once stopped.
type ProgressReporter struct {
	mu      sync.Mutex
	emit    func(domain.ProgressInfo)
	started time.Time
	last    float64
	stopped bool
	now     func() time.Time
}

func NewProgressReporter(emit func(domain.ProgressInfo), started time.Time) *ProgressReporter {
	return &ProgressReporter{emit: emit, started: started, last: -1, now: time.Now}
}

func (p *ProgressReporter) Report(info domain.ProgressInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.emit == nil {
		return
	}
	pct := info.Percent
	if math.IsNaN(pct) || pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	info.Percent = pct
	if info.EstimatedRemaining == nil {
		info.EstimatedRemaining = p.estimate(info)
	}
	p.emit(info)
}

func (p *ProgressReporter) estimate(info domain.ProgressInfo) *time.Duration {
	var done, total float64
	switch {
	case info.TotalRecords != nil && *info.TotalRecords > 0 && info.RecordsProcessed > 0:
		done, total = float64(info.RecordsProcessed), float64(*info.TotalRecords)
	case info.TotalBytes != nil && *info.TotalBytes > 0 && info.BytesProcessed > 0:
		done, total = float64(info.BytesProcessed), float64(*info.TotalBytes)
	default:
		return nil
	}
	if done >= total {
		zero := time.Duration(0)
		return &zero
	}
	elapsed := p.now().Sub(p.started)
	rem := time.Duration(float64(elapsed) * (total - done) / done)
	return &rem
}

func (p *ProgressReporter) Last() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Stop silences the reporter for the rest of the run.
func (p *ProgressReporter) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// extractionPercent maps extraction progress into the band between the
// connected and finalizing checkpoints. With no known total it approaches the
// upper bound as batches accumulate.
func extractionPercent(processed int64, total *int64, bytes int64, totalBytes *int64, batches int) float64 {
	span := percentExtracting - percentConnected
	switch {
	case total != nil && *total > 0:
		return percentConnected + span*math.Min(1, float64(processed)/float64(*total))
	case totalBytes != nil && *totalBytes > 0:
		return percentConnected + span*math.Min(1, float64(bytes)/float64(*totalBytes))
	default:
		return percentConnected + span*(1-1/(1+float64(batches)/10))
	}
}
