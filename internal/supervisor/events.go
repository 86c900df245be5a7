package supervisor

// Event is an instance lifecycle event: a name, the instance it concerns
// and optional fields.
type Event struct {
	Name       string
	InstanceID string
	Fields     map[string]any
}

// EventPublisher receives lifecycle events. Implementations must be
// non-blocking and must not panic.
type EventPublisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Fanout publishes every event to each of its publishers in order.
type Fanout []EventPublisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// OrNoop returns p, or a publisher that drops everything when p is nil.
func OrNoop(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
