package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
)

// flushTimeout bounds the final publish after Stop.
const flushTimeout = 5 * time.Second

// Publisher defines the interface for publishing alert envelopes
type Publisher interface {
	Publish(ctx context.Context, envelope *models.AlertEnvelope) error
	PublishBatch(ctx context.Context, envelopes []*models.AlertEnvelope) error
}

// Pool manages a pool of workers that drain the alert stream queue and
// publish envelopes in batches.
type Pool struct {
	publisher    Publisher
	envelopeChan <-chan *models.AlertEnvelope
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	EnvelopeChan <-chan *models.AlertEnvelope
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:    cfg.Publisher,
		envelopeChan: cfg.EnvelopeChan,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops all workers. Envelopes already queued are flushed first.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes envelopes from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]*models.AlertEnvelope, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			batch = p.drain(batch)
			p.flush(batch)
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				p.flush(batch)
				return
			}

			batch = append(batch, envelope)
			metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

			if len(batch) >= p.batchSize {
				p.publishBatch(p.ctx, batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(p.ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// drain takes whatever is still buffered without blocking.
func (p *Pool) drain(batch []*models.AlertEnvelope) []*models.AlertEnvelope {
	for {
		select {
		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return batch
			}
			batch = append(batch, envelope)
		default:
			return batch
		}
	}
}

// flush publishes the remaining batch with a fresh deadline, since the pool
// context may already be cancelled.
func (p *Pool) flush(batch []*models.AlertEnvelope) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for start := 0; start < len(batch); start += p.batchSize {
		end := min(start+p.batchSize, len(batch))
		p.publishBatch(ctx, batch[start:end])
	}
}

// publishBatch publishes a batch of envelopes
func (p *Pool) publishBatch(parent context.Context, batch []*models.AlertEnvelope) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		p.publishIndividually(ctx, batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published")

	p.processed.Add(uint64(len(batch)))
	metrics.WorkerProcessedTotal.Add(float64(len(batch)))
}

// publishIndividually retries each envelope of a failed batch on its own.
func (p *Pool) publishIndividually(ctx context.Context, batch []*models.AlertEnvelope) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, envelope := range batch {
		err := p.publisher.Publish(ctx, envelope)
		if err != nil {
			ev := log.Error().Err(err).Str("envelope_id", envelope.ID)
			if envelope.Event != nil {
				ev = ev.Int64("event_id", envelope.Event.ID).Int64("rule_id", envelope.Event.RuleID)
			}
			ev.Msg("failed to publish envelope individually")

			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}

		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.envelopeChan),
		Capacity:  cap(p.envelopeChan),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
}
