package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cronhub/internal/eventbus"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/storage"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dispatcher: a bounded queue of execution requests drained
// by supervised workers. Every state change goes through conditional store
// writes, so redelivering a request is always harmless.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store  storage.Store
	reg    *registry.Registry
	policy retry.Policy
	now    func() time.Time

	limiter *rate.Limiter

	q      chan queued
	queued map[string]struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	lanes laneStore
	// carry holds claimed requests a stop interrupted; Start re-queues them.
	carry []Request

	runMu   sync.Mutex
	running map[string]context.CancelCauseFunc
	timers  map[string]*time.Timer

	hmu     sync.Mutex
	history []HistoryItem

	inFlight int32
	dropped  uint64

	lastQueueFullWarnAt int64
}

type queued struct {
	req        Request
	enqueuedAt time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithRetryPolicy sets the policy used by tasks without their own.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithClock overrides time.Now for timestamps written to the store.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store storage.Store, reg *registry.Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "engine")),
		bus:     bus,
		store:   store,
		reg:     reg,
		policy:  retry.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		limiter: newLimiter(cfg),
		queued:  make(map[string]struct{}),
		running: make(map[string]context.CancelCauseFunc),
		timers:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetRetryPolicy replaces the default policy for executions that fail from
// now on. Nil is ignored.
func (s *Service) SetRetryPolicy(p retry.Policy) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Service) retryPolicy() retry.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the dispatcher's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the configuration. Worker count or queue size changes
// restart the workers; the rate limit is adjusted in place.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if cfg.RatePerSec <= 0 {
		s.limiter.SetLimit(rate.Inf)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}

	if !running {
		if cfg.Enabled && !prev.Enabled {
			s.Start(ctx)
		}
		return
	}
	if !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queued, cfg.QueueSize)
	s.queued = make(map[string]struct{})
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	carried := s.carry
	s.carry = nil

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Worker failures must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	sup.Go("recover", func(c context.Context) error {
		return s.recoverOrphans(c)
	})

	for _, r := range carried {
		s.requeue(r)
	}

	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cap(queue)),
		logx.Int("carried", len(carried)),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	// Pending fire-at timers are durable in the store; the next sweep or
	// process picks them up.
	s.runMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.runMu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// Workers are gone, so no lane has a holder left.
		parked := s.lanes.drain()
		s.mu.Lock()
		for _, r := range parked {
			r.lane = ""
			s.carry = append(s.carry, r)
		}
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands a PENDING log to the workers without blocking. A log that
// is already queued in this process is accepted as a no-op.
func (s *Service) Enqueue(logID string) error {
	return s.enqueue(Request{LogID: logID})
}

func (s *Service) enqueue(r Request) error {
	r.LogID = strings.TrimSpace(r.LogID)
	if r.LogID == "" {
		return fmt.Errorf("log id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.q == nil || s.stopCh == nil {
		return ErrStopped
	}
	if s.stopDone != nil {
		return ErrStopping
	}
	if _, dup := s.queued[r.LogID]; dup {
		return nil
	}

	select {
	case s.q <- queued{req: r, enqueuedAt: time.Now()}:
		s.queued[r.LogID] = struct{}{}
		return nil
	default:
		s.onQueueFull(r, len(s.q), cap(s.q))
		return ErrQueueFull
	}
}

// requeue is enqueue for requests this process already owns. If the queue
// is full it waits in the background rather than losing the request; if the
// engine is stopping the request is carried over to the next Start.
func (s *Service) requeue(r Request) {
	err := s.enqueue(r)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrQueueFull) {
		s.carryOver(r)
		return
	}
	s.mu.Lock()
	q, stopCh := s.q, s.stopCh
	s.mu.Unlock()
	if q == nil {
		s.carryOver(r)
		return
	}
	go func() {
		select {
		case q <- queued{req: r, enqueuedAt: time.Now()}:
		case <-stopCh:
			s.carryOver(r)
		}
	}()
}

// carryOver keeps a claimed request for the next Start. Its lane is dropped
// so the request has to acquire it again.
func (s *Service) carryOver(r Request) {
	r.lane = ""
	s.mu.Lock()
	restarted := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	// A late carry can land after the next Start already flushed.
	if restarted && s.enqueue(r) == nil {
		return
	}
	s.mu.Lock()
	s.carry = append(s.carry, r)
	s.mu.Unlock()
	s.log.Debug("execution carried over engine restart", logx.String("log", r.LogID))
}

func (s *Service) dequeued(id string) {
	s.mu.Lock()
	delete(s.queued, id)
	s.mu.Unlock()
}

// armRetry schedules an in-process delivery of a delayed log.
func (s *Service) armRetry(logID string, d time.Duration) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if old := s.timers[logID]; old != nil {
		old.Stop()
	}
	s.timers[logID] = time.AfterFunc(d, func() {
		s.runMu.Lock()
		delete(s.timers, logID)
		s.runMu.Unlock()
		if err := s.Enqueue(logID); err != nil {
			s.log.Debug("retry delivery deferred to sweep", logx.String("log", logID), logx.Err(err))
		}
	})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.runMu.Lock()
	running, armed := len(s.running), len(s.timers)
	s.runMu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Running:        running,
		Parked:         s.lanes.parked(),
		Armed:          armed,
		Dropped:        atomic.LoadUint64(&s.dropped),
		DefaultTimeout: cfg.DefaultTimeout,
		RatePerSec:     cfg.RatePerSec,
		History:        h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(r Request, ql, qc int) {
	n := atomic.AddUint64(&s.dropped, 1)
	if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
		s.log.Warn("execution not queued: queue full",
			logx.String("log", r.LogID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", n),
		)
	}
}
