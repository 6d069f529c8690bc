package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// UsageLogger is the best-effort sink the Recorder drains into.
type UsageLogger interface {
	LogPractitionerToPatientUsage(ctx context.Context, msg MessageUsage)
}

// Recorder takes usage logging off the message-send request path.
// Enqueue never blocks; when the buffer is full the event is dropped.
type Recorder struct {
	sink   UsageLogger
	logger *slog.Logger

	queue chan MessageUsage

	writeTimeout  time.Duration
	batchInterval time.Duration
	maxBatchSize  int

	// mu orders Enqueue's send against Stop: once stopped is set under the
	// write lock, every accepted event is already in queue and gets drained.
	mu       sync.RWMutex
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type RecorderConfig struct {
	BufferSize    int           // default: 1000
	WriteTimeout  time.Duration // per ledger write (default: 5s)
	BatchInterval time.Duration // default: 1s
	MaxBatchSize  int           // default: 100
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:    1000,
		WriteTimeout:  5 * time.Second,
		BatchInterval: time.Second,
		MaxBatchSize:  100,
	}
}

func NewRecorder(sink UsageLogger, logger *slog.Logger, config RecorderConfig) *Recorder {
	defaults := DefaultRecorderConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.BatchInterval <= 0 {
		config.BatchInterval = defaults.BatchInterval
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}

	return &Recorder{
		sink:          sink,
		logger:        logger,
		queue:         make(chan MessageUsage, config.BufferSize),
		writeTimeout:  config.WriteTimeout,
		batchInterval: config.BatchInterval,
		maxBatchSize:  config.MaxBatchSize,
		done:          make(chan struct{}),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("usage recorder started",
		"buffer_size", cap(r.queue),
		"batch_interval", r.batchInterval,
		"write_timeout", r.writeTimeout,
	)
}

// Stop flushes everything already queued, then returns.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()
		r.logger.Info("usage recorder stopped")
	})
}

// Enqueue reports whether the event was accepted. An accepted event is
// written even if Stop is called right after.
func (r *Recorder) Enqueue(msg MessageUsage) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return false
	}

	select {
	case r.queue <- msg:
		return true
	default:
		r.logger.Warn("usage event dropped - buffer full",
			"thread_id", msg.ThreadID,
			"message_id", msg.MessageID,
		)
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.batchInterval)
	defer ticker.Stop()

	var batch []MessageUsage

	for {
		select {
		case <-r.done:
			for {
				select {
				case msg := <-r.queue:
					batch = append(batch, msg)
				default:
					r.flush(batch)
					return
				}
			}

		case msg := <-r.queue:
			batch = append(batch, msg)
			if len(batch) >= r.maxBatchSize {
				r.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = nil
			}
		}
	}
}

// flush writes a batch, keeping only the last event per ledger key since a
// later write for the same key overwrites the earlier one anyway.
func (r *Recorder) flush(batch []MessageUsage) {
	if len(batch) == 0 {
		return
	}

	last := make(map[LedgerKey]int, len(batch))
	for i, msg := range batch {
		last[LedgerKey{ThreadID: msg.ThreadID, MessageID: msg.MessageID, Direction: DirectionPractitionerToPatient}] = i
	}

	written := 0
	for i, msg := range batch {
		key := LedgerKey{ThreadID: msg.ThreadID, MessageID: msg.MessageID, Direction: DirectionPractitionerToPatient}
		if last[key] != i {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		r.sink.LogPractitionerToPatientUsage(ctx, msg)
		cancel()
		written++
	}

	r.logger.Debug("usage batch flushed", "received", len(batch), "written", written)
}
