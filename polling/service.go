// Package polling implements the single-threaded cooperative loop
// embedded inside every outbox adapter: an optional maintenance step,
// a mandatory batch-processing step, jittered exponential backoff on
// failure, and cooperative shutdown.
package polling

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dunika/outbox-event-bus/outboxerr"
)

// Config carries the tunables from spec §6.4.
type Config struct {
	PollIntervalMs    int
	BaseBackoffMs     int
	MaxErrorBackoffMs int

	// PerformMaintenance runs before ProcessBatch each tick. Optional.
	PerformMaintenance func() error

	// ProcessBatch claims and delivers one batch. Mandatory.
	ProcessBatch func() error

	// OnError receives every wrapped error the loop produces. May be nil.
	OnError func(error)
}

func (c *Config) setDefaults() {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 1000
	}
	if c.BaseBackoffMs <= 0 {
		c.BaseBackoffMs = 1000
	}
	if c.MaxErrorBackoffMs <= 0 {
		c.MaxErrorBackoffMs = 30000
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
}

// Service runs Config.ProcessBatch on a timer, backing off on
// failure. Grounded on the teacher's internal/outbox/processor.go
// Start/Stop shape: a ticker/timer goroutine plus a stop channel and
// a "wait for current tick" shutdown barrier.
type Service struct {
	cfg Config

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	errorCount int

	// rand is isolated per Service so tests can make jitter
	// deterministic without touching the global source.
	rng *rand.Rand
}

// New constructs a Service. Start must be called to begin polling.
func New(cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not security-sensitive
	}
}

// Start begins the polling loop in a new goroutine. Calling Start
// while already running is a no-op, matching Outbox.start's
// idempotence requirement.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	go s.run(stopCh, doneCh)
}

// Stop flips the running flag, cancels any pending timer, and awaits
// the in-flight tick before returning. Safe to call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

func (s *Service) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		s.tick()

		delay := s.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Service) tick() {
	if s.cfg.PerformMaintenance != nil {
		if err := s.cfg.PerformMaintenance(); err != nil {
			s.cfg.OnError(outboxerr.NewMaintenanceError(err))
		}
	}

	if err := s.cfg.ProcessBatch(); err != nil {
		s.recordFailure(err)
		return
	}
	s.recordSuccess()
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	s.errorCount = 0
	s.mu.Unlock()
}

func (s *Service) recordFailure(err error) {
	wrapped := err
	if !isTaxonomyError(err) {
		wrapped = outboxerr.NewOperationalError("polling cycle failed", err)
	}
	s.cfg.OnError(wrapped)

	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
}

func (s *Service) nextDelay() time.Duration {
	s.mu.Lock()
	errCount := s.errorCount
	s.mu.Unlock()

	if errCount == 0 {
		return time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	}

	backoff := s.calculateBackoff(errCount + 1)
	maxBackoff := time.Duration(s.cfg.MaxErrorBackoffMs) * time.Millisecond
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// calculateBackoff implements spec §4.2:
// base * 2^(n-1) * (1 + U(-0.1, +0.1)), truncated to integer ms.
func (s *Service) calculateBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(s.cfg.BaseBackoffMs)
	exp := base * float64(uint64(1)<<uint(n-1))
	jitter := 1 + (s.rng.Float64()*0.2 - 0.1)
	return time.Duration(int64(exp*jitter)) * time.Millisecond
}

// isTaxonomyError reports whether err already carries an outboxerr
// kind, so the polling loop does not double-wrap it.
func isTaxonomyError(err error) bool {
	type marker interface{ isOutboxErr() }
	_, ok := err.(marker)
	return ok
}
