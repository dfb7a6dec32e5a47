package progress

import "sync"

// Channel is an unbounded, many-producer single-consumer event queue. Send
// never blocks; Events delivers everything sent before Close and is then
// closed.
type Channel struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	out    chan Event
}

func NewChannel() *Channel {
	c := &Channel{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go c.forward()
	return c
}

// Send queues e. It reports false once the channel is closed.
func (c *Channel) Send(e Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()
	c.wake()
	return true
}

func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
}

func (c *Channel) Events() <-chan Event { return c.out }

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) forward() {
	defer close(c.out)
	for {
		c.mu.Lock()
		batch, closed := c.queue, c.closed
		c.queue = nil
		c.mu.Unlock()

		for _, e := range batch {
			c.out <- e
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-c.notify
		}
	}
}

// Sink renders events.
type Sink interface {
	Handle(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Pump hands every event to sink until events is closed.
func Pump(events <-chan Event, sink Sink) {
	for e := range events {
		sink.Handle(e)
	}
}
