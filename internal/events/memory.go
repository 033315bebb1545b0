package events

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kandev/agentbroker/internal/logging"
	"go.uber.org/zap"
)

// MemoryBus is an in-process Bus for the gateway's demo deployment mode: no
// external broker required, subjects matched with the same `*`/single-token
// and `>`/rest-of-subject wildcard rules NATS uses.
type MemoryBus struct {
	logger *logging.Logger

	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
}

// queuedBatch is one Publish call waiting to reach a subscription's worker.
type queuedBatch struct {
	ctx     context.Context
	subject string
	batch   Batch
}

// memorySubscription delivers every batch matching its pattern through a
// single worker goroutine draining an ordered, unbounded queue, so two
// Publish calls for the same subject (the coalescer's consecutive flushes
// for one session) are never reordered by goroutine scheduling.
type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	valid   atomic.Bool

	mu    sync.Mutex
	queue []queuedBatch
	wake  chan struct{}
	done  chan struct{}
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryBus{
		logger:        logger.WithFields(zap.String("component", "events.memory")),
		subscriptions: make(map[string][]*memorySubscription),
	}
}

func compilePattern(subject string) (*regexp.Regexp, error) {
	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				parts = append(parts, regexp.QuoteMeta(tok))
				continue
			}
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(tok))
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}

// Subscribe registers handler for every published subject matching pattern
// (supporting `*` and `>` wildcards). Delivery to this subscription runs on
// a single dedicated goroutine, started here and stopped on Unsubscribe or
// Close.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	pattern, err := compilePattern(subject)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	sub.valid.Store(true)
	go sub.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Publish enqueues batch on every live subscription whose pattern matches
// subject and returns without waiting for any handler to run, so a slow
// subscriber never blocks the publisher (mirroring the coalescer's own
// non-blocking flush) -- but each subscription still processes its queue
// strictly in enqueue order.
func (b *MemoryBus) Publish(ctx context.Context, subject string, batch Batch) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.valid.Load() || !sub.pattern.MatchString(subject) {
				continue
			}
			sub.enqueue(ctx, subject, batch)
		}
	}
	return nil
}

// Close deactivates every subscription and stops its worker goroutine.
// Already-dequeued handler calls are not cancelled.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	return nil
}

// enqueue appends batch to the subscription's queue and wakes its worker if
// idle. Never blocks the caller.
func (s *memorySubscription) enqueue(ctx context.Context, subject string, batch Batch) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedBatch{ctx: ctx, subject: subject, batch: batch})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the subscription's queue strictly in order until stop is
// called and the queue empties.
func (s *memorySubscription) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				s.mu.Lock()
				drained := len(s.queue) == 0
				s.mu.Unlock()
				if drained {
					return
				}
				continue
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.handler(next.ctx, next.subject, next.batch); err != nil {
			s.bus.logger.Warn("bus handler returned error", zap.String("subject", next.subject), zap.Error(err))
		}
	}
}

// stop marks the subscription invalid and signals its worker to exit once
// any already-queued batches have drained.
func (s *memorySubscription) stop() {
	if s.valid.CompareAndSwap(true, false) {
		close(s.done)
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.stop()
	list := s.bus.subscriptions[s.subject]
	for i, sub := range list {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool { return s.valid.Load() }

var _ Bus = (*MemoryBus)(nil)
