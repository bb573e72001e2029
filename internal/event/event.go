// Package event carries notifications from a running pipeline to the
// observers of that pipeline (and only that pipeline).
package event

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Mixtape/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event string
	Stage string

	// Message is a single notification, scoped to the pipeline which
	// produced it.
	Message struct {
		Event    Event
		Pipeline uuid.UUID
		Payload  any
	}

	// Progress is the payload of a PIPELINE_PROGRESS message.
	Progress struct {
		Stage   Stage `json:"stage"`
		Percent int   `json:"percent"`
	}

	Dispatcher interface {
		Dispatch(Message)
	}

	// Channel is a publish/subscribe hub keyed by pipeline ID. Dispatching
	// never blocks: a subscriber whose buffer is full misses the message.
	Channel struct {
		mu          sync.RWMutex
		subscribers map[uuid.UUID][]chan Message
	}
)

const (
	PIPELINE_PROGRESS Event = "pipeline:progress"
	PIPELINE_COMPLETE Event = "pipeline:complete"
	PIPELINE_FAILURE  Event = "pipeline:failure"

	Acquiring Stage = "acquiring"
	Muxing    Stage = "muxing"
)

func New() *Channel {
	return &Channel{subscribers: make(map[uuid.UUID][]chan Message)}
}

// Subscribe registers interest in the messages of a single pipeline. The
// returned function removes the subscription and closes the channel; it is
// safe to call more than once.
func (c *Channel) Subscribe(pipeline uuid.UUID, buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)

	c.mu.Lock()
	c.subscribers[pipeline] = append(c.subscribers[pipeline], ch)
	c.mu.Unlock()

	once := sync.Once{}
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			subs := c.subscribers[pipeline]
			for i, sub := range subs {
				if sub == ch {
					subs = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(subs) == 0 {
				delete(c.subscribers, pipeline)
			} else {
				c.subscribers[pipeline] = subs
			}
			close(ch)
		})
	}
}

// Dispatch delivers the message to every subscriber of the message's pipeline.
func (c *Channel) Dispatch(msg Message) {
	if err := validatePayload(msg); err != nil {
		log.Emit(logger.ERROR, "Dispatch for pipeline %s FAILED validation: %v\n", msg.Pipeline, err)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subscribers[msg.Pipeline] {
		select {
		case sub <- msg:
		default:
			log.Warnf("Subscriber for pipeline %s is not keeping up, dropped %s message\n", msg.Pipeline, msg.Event)
		}
	}
}

// SubscriberCount returns the number of subscribers for the pipeline.
func (c *Channel) SubscriberCount(pipeline uuid.UUID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers[pipeline])
}

func validatePayload(msg Message) error {
	if msg.Pipeline == uuid.Nil {
		return fmt.Errorf("%s message has no pipeline ID", msg.Event)
	}

	switch msg.Event {
	case PIPELINE_PROGRESS:
		if _, ok := msg.Payload.(Progress); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected event.Progress payload", typeName(msg.Payload), msg.Event)
		}
	case PIPELINE_FAILURE:
		if _, ok := msg.Payload.(error); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected error payload", typeName(msg.Payload), msg.Event)
		}
	case PIPELINE_COMPLETE:
		if msg.Payload == nil {
			return fmt.Errorf("missing payload for %s event", msg.Event)
		}
	default:
		return fmt.Errorf("event type %q not recognized for validation", msg.Event)
	}

	return nil
}

func typeName(v any) string {
	if t := reflect.TypeOf(v); t != nil {
		return t.String()
	}

	return "Nil"
}
