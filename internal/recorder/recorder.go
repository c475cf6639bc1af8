// Package recorder implements the non-blocking append-only JSONL event
// journal (spec.md §6). Journal.Record never blocks its caller: it
// try-enqueues onto a bounded channel and drops the incoming event (not
// the oldest queued one) on overflow, incrementing a counter and warning
// at 1/10/100/1000-event thresholds. A single writer goroutine owns the
// file and appends one JSON object per line.
package recorder

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"

	"polymarket-mm/internal/metrics"
)

// Config parameterizes Journal.
type Config struct {
	Enabled   bool
	Path      string
	QueueSize int
	Logger    *slog.Logger
}

// Journal is the single-writer bounded event queue. It satisfies
// internal/supervisor.Recorder.
type Journal struct {
	cfg    Config
	file   *os.File
	queue  chan map[string]any
	done   chan struct{}
	logger *slog.Logger

	dropped atomic.Int64
}

// Open creates a Journal. When cfg.Enabled is false, Record and Close are
// no-ops and no file is touched (spec.md's recorder is opt-in).
func Open(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	j := &Journal{cfg: cfg, logger: cfg.Logger.With("component", "recorder")}
	if !cfg.Enabled {
		return j, nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j.file = f
	j.queue = make(chan map[string]any, cfg.QueueSize)
	j.done = make(chan struct{})
	go j.writeLoop()
	return j, nil
}

// Record try-enqueues event. On a full queue it drops event (never the
// oldest queued one) and increments the drop counter, warning at
// 1/10/100/1000-event thresholds (spec.md §6).
func (j *Journal) Record(event map[string]any) {
	if j == nil || !j.cfg.Enabled {
		return
	}
	metrics.RecorderQueueDepth.Set(float64(len(j.queue)))
	select {
	case j.queue <- event:
	default:
		metrics.RecorderDroppedTotal.Inc()
		n := j.dropped.Add(1)
		if n == 1 || n == 10 || n == 100 || n == 1000 || n%1000 == 0 {
			j.logger.Warn("recorder queue full, dropping event", "event_type", event["type"], "dropped_total", n)
		}
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	enc := json.NewEncoder(j.file)
	for event := range j.queue {
		if err := enc.Encode(event); err != nil {
			j.logger.Error("recorder write failed", "err", err)
		}
	}
}

// Close drains the queue, stops the writer, and closes the file. Safe to
// call on a disabled Journal.
func (j *Journal) Close() error {
	if j == nil || !j.cfg.Enabled {
		return nil
	}
	close(j.queue)
	<-j.done
	return j.file.Close()
}
