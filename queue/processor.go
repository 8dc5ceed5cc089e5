package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jhopark/pdf-reducer/models"
)

// ProgressFunc receives discrete progress updates from a running transform.
type ProgressFunc func(percent int, message string)

// TransformResult carries the outcome of a successful transform.
type TransformResult struct {
	OutputPath   string
	OriginalSize int64
	ReducedSize  int64
}

// Transformer performs the actual reduction or extraction. It may take
// seconds and may fail; the processor never lets a failure stop the queue.
type Transformer interface {
	Transform(ctx context.Context, job *models.Job, progress ProgressFunc) (*TransformResult, error)
}

// Publisher receives a snapshot after every committed job mutation.
type Publisher interface {
	Publish(job *models.Job)
}

// Processor drives pending jobs to a terminal state, one at a time. Jobs are
// selected oldest-first; a single worker goroutine bounds the memory the
// PDF libraries can pin at once.
type Processor struct {
	store       *Store
	transformer Transformer
	publisher   Publisher
	logger      *zap.Logger
	timeout     time.Duration

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a processor. timeout bounds a single transform; zero
// means no deadline.
func NewProcessor(store *Store, transformer Transformer, publisher Publisher, logger *zap.Logger, timeout time.Duration) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:       store,
		transformer: transformer,
		publisher:   publisher,
		logger:      logger,
		timeout:     timeout,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
	p.logger.Info("processor started")
}

// Stop shuts the worker down, waiting for any in-flight job to finish
func (p *Processor) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.logger.Info("processor stopped")
}

// Trigger signals the worker to drain all currently pending jobs. It returns
// immediately and is safe to call at any time: concurrent triggers collapse
// into the buffered signal, and a trigger with nothing pending is a no-op.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Processor) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.drain()
		}
	}
}

// drain processes pending jobs oldest-first until none remain
func (p *Processor) drain() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		job, ok := p.store.ClaimNextPending()
		if !ok {
			return
		}
		p.publish(job)
		p.process(job)
	}
}

func (p *Processor) process(job *models.Job) {
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("mode", string(job.Mode)))
	log.Info("processing job", zap.String("filename", job.Filename))

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	// Progress is monotonic per job: a late lower percentage is clamped to
	// the last value already reported.
	last := 0
	progress := func(percent int, message string) {
		if percent < last {
			percent = last
		}
		if percent > 100 {
			percent = 100
		}
		last = percent
		updated, err := p.store.Update(job.ID, func(j *models.Job) {
			j.Progress = percent
			j.Message = message
		})
		if err != nil {
			log.Warn("progress update dropped", zap.Error(err))
			return
		}
		p.publish(updated)
	}

	result, err := p.transformer.Transform(ctx, job.Clone(), progress)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout after %s: %w", p.timeout, err)
		}
		p.fail(job, err)
		return
	}
	p.complete(job, result)
}

func (p *Processor) complete(job *models.Job, result *TransformResult) {
	now := time.Now()
	updated, err := p.store.Update(job.ID, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.Message = "Complete!"
		j.OutputPath = result.OutputPath
		if result.OriginalSize > 0 {
			j.OriginalSize = result.OriginalSize
		}
		j.ReducedSize = result.ReducedSize
		j.CompletedAt = &now
	})
	if err != nil {
		p.logger.Error("failed to mark job completed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.publish(updated)
	p.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int64("original_size", updated.OriginalSize),
		zap.Int64("reduced_size", updated.ReducedSize))
}

func (p *Processor) fail(job *models.Job, cause error) {
	// Partial output from a failed transform must never be downloadable.
	if job.OutputPath != "" {
		_ = os.Remove(job.OutputPath)
	}

	now := time.Now()
	updated, err := p.store.Update(job.ID, func(j *models.Job) {
		j.Status = models.StatusFailed
		j.Error = cause.Error()
		j.Message = "Error: " + cause.Error()
		j.OutputPath = ""
		j.CompletedAt = &now
	})
	if err != nil {
		p.logger.Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.publish(updated)
	p.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Error(cause))
}

func (p *Processor) publish(job *models.Job) {
	if p.publisher != nil {
		p.publisher.Publish(job)
	}
}
