package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

var (
	// ErrQueueFull is returned when no queue slot is free.
	ErrQueueFull = errors.New("analysis queue full")
	// ErrPoolStopped is returned after Stop.
	ErrPoolStopped = errors.New("analysis pool stopped")
)

const (
	maxConflictRetries = 3
	conflictBackoff    = 200 * time.Millisecond
)

// AnalysisRunner is the part of the case service the pool drives.
type AnalysisRunner interface {
	RunAnalysis(ctx context.Context, caseID string) (*domain.CaseSnapshot, error)
	RecoverInterrupted(ctx context.Context) (int, error)
}

// AnalysisPool runs case analyses on a fixed number of goroutines.
type AnalysisPool struct {
	runner  AnalysisRunner
	workers int
	queue   chan string
	logger  *zap.Logger
	backoff time.Duration

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAnalysisPool builds a pool; Start launches the workers.
func NewAnalysisPool(runner AnalysisRunner, workers, queueSize int, logger *zap.Logger) *AnalysisPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisPool{
		runner:  runner,
		workers: workers,
		queue:   make(chan string, queueSize),
		logger:  logger,
		backoff: conflictBackoff,
	}
}

// Enqueue schedules caseID without blocking.
func (p *AnalysisPool) Enqueue(caseID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- caseID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start recovers analyses interrupted by a previous process and launches the workers.
func (p *AnalysisPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if n, err := p.runner.RecoverInterrupted(ctx); err != nil {
		p.logger.Warn("failed to recover interrupted analyses", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("interrupted analyses reset", zap.Int("count", n))
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Stop rejects new work, cancels in-flight analyses and waits for workers.
// Cancelled analyses return their cases to NEW with a note.
func (p *AnalysisPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *AnalysisPool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for caseID := range p.queue {
		if ctx.Err() != nil {
			p.logger.Info("analysis skipped on shutdown", zap.String("case_id", caseID))
			continue
		}
		p.run(ctx, id, caseID)
	}
}

func (p *AnalysisPool) run(ctx context.Context, worker int, caseID string) {
	for attempt := 0; ; attempt++ {
		_, err := p.runner.RunAnalysis(ctx, caseID)
		if err == nil {
			p.logger.Debug("analysis finished", zap.Int("worker", worker), zap.String("case_id", caseID))
			return
		}
		if apperrors.IsCode(err, apperrors.CodeConflict) && attempt < maxConflictRetries {
			select {
			case <-time.After(p.backoff * time.Duration(attempt+1)):
				continue
			case <-ctx.Done():
				return
			}
		}
		p.logger.Warn("analysis did not complete",
			zap.Int("worker", worker),
			zap.String("case_id", caseID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		return
	}
}
