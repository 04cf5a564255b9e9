// Package signals routes pipeline events from their producers to the
// components that react to them.
package signals

import (
	"context"
	"fmt"
	"sync"

	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

// Handler reacts to one event. Handlers run on the sender's goroutine and
// must hand long work off (enqueue and return).
type Handler[T any] func(ctx context.Context, event T)

type receiver[T any] struct {
	name    string
	handler Handler[T]
}

// Signal is a typed, in-process publish/subscribe channel.
type Signal[T any] struct {
	name string

	mu        sync.RWMutex
	receivers []receiver[T]
}

// New creates a signal with a name used in logs.
func New[T any](name string) *Signal[T] {
	return &Signal[T]{name: name}
}

// Name returns the signal name.
func (s *Signal[T]) Name() string {
	return s.name
}

// Connect registers a handler under a receiver name. Connecting the same
// name twice replaces the earlier handler.
func (s *Signal[T]) Connect(name string, handler Handler[T]) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.receivers {
		if s.receivers[i].name == name {
			s.receivers[i].handler = handler
			return
		}
	}
	s.receivers = append(s.receivers, receiver[T]{name: name, handler: handler})
}

// Disconnect removes a receiver by name.
func (s *Signal[T]) Disconnect(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.receivers {
		if s.receivers[i].name == name {
			s.receivers = append(s.receivers[:i], s.receivers[i+1:]...)
			return
		}
	}
}

// Receivers returns the number of connected handlers.
func (s *Signal[T]) Receivers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receivers)
}

// Send delivers event to every receiver in connection order. A panicking
// receiver is logged and does not stop delivery to the others.
func (s *Signal[T]) Send(ctx context.Context, event T) {
	s.mu.RLock()
	receivers := make([]receiver[T], len(s.receivers))
	copy(receivers, s.receivers)
	s.mu.RUnlock()

	for _, r := range receivers {
		s.dispatch(ctx, r, event)
	}
}

func (s *Signal[T]) dispatch(ctx context.Context, r receiver[T], event T) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "signal receiver panicked",
				zap.String("signal", s.name),
				zap.String("receiver", r.name),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	r.handler(ctx, event)
}
