package events

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/interfaces"
)

const subscriberBuffer = 64

// Service is the in-process pub/sub feeding the websocket dashboard.
// Publish never blocks task execution: a subscriber whose buffer is full
// loses the event, and the dashboard resyncs from the store on reconnect.
type Service struct {
	mu     sync.RWMutex
	subs   map[uint64]chan interfaces.Event
	nextID uint64
	logger arbor.ILogger
}

// NewService creates the event service.
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subs:   make(map[uint64]chan interfaces.Event),
		logger: logger,
	}
}

func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			s.logger.Debug().
				Int64("subscriber", int64(id)).
				Str("type", string(event.Type)).
				Msg("Dropping event for slow subscriber")
		}
	}
	return nil
}

func (s *Service) Subscribe() (<-chan interfaces.Event, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan interfaces.Event, subscriberBuffer)
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
