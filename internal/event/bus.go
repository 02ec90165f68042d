// Package event implements the in-process publish/subscribe fabric that
// carries job lifecycle events from the engine to observers such as the
// realtime hub. Delivery is best effort: publishing never blocks the state
// transition that produced the event.
package event

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"jobengine/internal/domain"
)

// DefaultBuffer is the per-subscription queue depth used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 64

// Bus fans lifecycle events out to subscribers. Each subscription owns a
// bounded queue; when a subscriber falls behind, the oldest queued event is
// dropped to make room for the newest one. A slow consumer therefore loses
// history, never freshness, and never stalls a publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger zerolog.Logger
}

// Subscription is one observer's bounded event queue. Events arrive on C in
// publish order, minus any dropped under backpressure.
type Subscription struct {
	C chan domain.JobEvent

	bus   *Bus
	jobID string
	once  sync.Once
}

var _ domain.EventPublisher = (*Bus)(nil)

// NewBus creates an event bus with no subscribers.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), logger: logger}
}

// Subscribe registers an observer. A non-empty jobID restricts delivery to
// that job's events; the empty string receives everything. The caller must
// Close the subscription when done or the bus leaks it.
func (b *Bus) Subscribe(jobID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		C:     make(chan domain.JobEvent, buffer),
		bus:   b,
		jobID: jobID,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close detaches the subscription from the bus. Idempotent; the channel is
// not closed so late deliveries racing with Close cannot panic — readers
// should stop ranging once Close returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// PublishJobEvent delivers a job-level event to matching subscribers.
func (b *Bus) PublishJobEvent(_ context.Context, evt domain.JobEvent) {
	b.dispatch(evt)
}

// PublishJobItemEvent delivers an item-level event to matching subscribers.
func (b *Bus) PublishJobItemEvent(_ context.Context, evt domain.JobItemEvent) {
	b.dispatch(evt)
}

func (b *Bus) dispatch(evt domain.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != evt.EventJobID() {
			continue
		}
		for {
			select {
			case sub.C <- evt:
			default:
				// Queue full: shed the oldest event and retry once more.
				select {
				case dropped := <-sub.C:
					b.logger.Debug().
						Str("job_id", dropped.EventJobID()).
						Str("kind", string(dropped.EventKind())).
						Msg("event dropped for slow subscriber")
					continue
				default:
					// A concurrent reader drained the queue; retry the send.
					continue
				}
			}
			break
		}
	}
}
