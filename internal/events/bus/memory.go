package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
)

// MemoryBus implements Bus with in-process delivery. Handlers run on
// their own goroutines; publish never blocks on a slow consumer.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	closed        bool
	log           *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{log: log.WithComponent("bus")}
}

// Publish delivers the event to every matching subscription.
func (b *MemoryBus) Publish(_ context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions {
		if !sub.matches(subject) {
			continue
		}
		go func(s *memorySubscription) {
			if err := s.handler(context.Background(), event); err != nil {
				b.log.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}

	b.log.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)
	return sub, nil
}

// Close deactivates every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subscriptions {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subscriptions = nil
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) matches(subject string) bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return false
	}
	if s.pattern == nil {
		return subject == s.subject
	}
	return s.pattern.MatchString(subject)
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// compilePattern converts a NATS-style pattern to a regexp, or nil when
// the subject has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
