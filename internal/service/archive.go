// File: internal/service/archive.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// archiveJob is one pending write.
type archiveJob struct {
	intent *schemas.Intent
	result *schemas.ExecutionResult
}

// archiveWriter decouples execution from persistence. Writes are queued and
// persisted by a single goroutine; Close drains the queue before returning.
type archiveWriter struct {
	next    schemas.IntentArchive
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan archiveJob
	wg     sync.WaitGroup
}

var _ schemas.IntentArchive = (*archiveWriter)(nil)

// newArchiveWriter starts the consumer goroutine.
func newArchiveWriter(next schemas.IntentArchive, buffer int, logger *zap.Logger) *archiveWriter {
	if buffer <= 0 {
		buffer = 64
	}
	w := &archiveWriter{
		next:    next,
		logger:  logger.Named("archive"),
		timeout: 30 * time.Second,
		queue:   make(chan archiveJob, buffer),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// ArchiveIntent queues the write. When the queue is full the write happens
// on the caller's goroutine so nothing is dropped.
func (w *archiveWriter) ArchiveIntent(ctx context.Context, in *schemas.Intent, result *schemas.ExecutionResult) error {
	if in == nil {
		return fmt.Errorf("%w: intent is required", schemas.ErrValidation)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("%w: archive is closed", schemas.ErrConfiguration)
	}
	select {
	case w.queue <- archiveJob{intent: in, result: result}:
		return nil
	default:
		w.logger.Debug("Archive queue full, writing synchronously.", zap.String("intent_id", in.ID))
		return w.next.ArchiveIntent(ctx, in, result)
	}
}

func (w *archiveWriter) run() {
	defer w.wg.Done()
	w.logger.Debug("Archive writer started.")
	defer w.logger.Debug("Archive writer stopped.")

	for job := range w.queue {
		w.persist(job)
	}
}

func (w *archiveWriter) persist(job archiveJob) {
	// Persistence outlives the caller's context so shutdown still flushes.
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.next.ArchiveIntent(ctx, job.intent, job.result); err != nil {
		w.logger.Error("Failed to archive intent. Data may be lost.", zap.String("intent_id", job.intent.ID), zap.Error(err))
	}
}

// Close stops accepting writes and waits for the queue to drain.
func (w *archiveWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}
