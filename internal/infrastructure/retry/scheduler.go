package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
)

// Resume re-runs the automaton for a parked transaction. Implemented by the
// payment service; the scheduler never touches the store itself.
type Resume func(ctx context.Context, transactionExternalKey string) error

// minResumeDelay is the floor for a resume timer. A past or immediate retry
// date must not fire while the scheduling run still holds the account lock:
// the fail-fast locker would abort the attempt it just parked.
const minResumeDelay = 100 * time.Millisecond

// Scheduler is an in-process timer wheel for retry jobs. Delivery is
// at-least-once: a duplicate fire lands on the runner's terminal no-op path.
// Rescheduling a key replaces its pending timer, latest date wins.
type Scheduler struct {
	resume Resume
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func NewScheduler(resume Resume, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.L()
	}
	return &Scheduler{
		resume: resume,
		logger: logger.With(zap.String("component", "retry_scheduler")),
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms a timer that re-runs the transaction at notBefore.
func (s *Scheduler) Schedule(transactionExternalKey string, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[transactionExternalKey]; ok {
		if t.Stop() {
			s.wg.Done()
		}
	}

	delay := time.Until(notBefore)
	if delay < minResumeDelay {
		delay = minResumeDelay
	}
	s.logger.Info("retry_scheduled",
		zap.String("transaction_external_key", transactionExternalKey),
		zap.Time("not_before", notBefore),
	)

	s.wg.Add(1)
	s.timers[transactionExternalKey] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.fire(transactionExternalKey)
	})
}

// Pending reports how many jobs are armed. Used by tests and the health
// endpoint.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops accepting jobs and waits for in-flight resumes to finish.
// Already-armed timers that have not fired are cancelled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) fire(transactionExternalKey string) {
	s.mu.Lock()
	delete(s.timers, transactionExternalKey)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx := logging.ContextWithLogger(context.Background(), s.logger)
	if err := s.resume(ctx, transactionExternalKey); err != nil {
		// A retriable failure comes back as a fresh Schedule call from the
		// runner, so a plain log is enough here.
		s.logger.Warn("retry_resume_failed",
			zap.String("transaction_external_key", transactionExternalKey),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("retry_resumed", zap.String("transaction_external_key", transactionExternalKey))
}
