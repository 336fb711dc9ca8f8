// ABOUTME: Unbounded FIFO that decouples an engine's producer from the session consumer
// ABOUTME: Push never blocks; the output channel closes after a graceful drain or an abort

package provider

import (
	"sync"

	"github.com/eapache/queue"
)

// Pump buffers events between a producer that must never block (the engine
// reader) and a single consumer reading Events(). Order is preserved.
type Pump struct {
	mu      sync.Mutex
	pending *queue.Queue
	closing bool

	wake      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	out       chan Event
	done      chan struct{}
}

// NewPump starts a pump.
func NewPump() *Pump {
	p := &Pump{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		abort:   make(chan struct{}),
		out:     make(chan Event),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Events is the ordered output stream. It is closed once the pump finishes.
func (p *Pump) Events() <-chan Event {
	return p.out
}

// Push enqueues ev. It returns false once the pump is closing; a rejected
// credentials event is acked with ErrClosed.
func (p *Pump) Push(ev Event) bool {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		ev.Ack(ErrClosed)
		return false
	}
	p.pending.Add(ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting events. Events already queued are still delivered,
// then the output channel is closed.
func (p *Pump) Close() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Abort discards queued events and closes the output channel without
// waiting for the consumer. Discarded credentials events are acked with
// ErrClosed. Abort returns once the output channel is closed.
func (p *Pump) Abort() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	p.abortOnce.Do(func() { close(p.abort) })
	<-p.done
}

// Done is closed after the output channel has been closed.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

func (p *Pump) run() {
	defer close(p.done)
	defer close(p.out)

	for {
		p.mu.Lock()
		if p.pending.Length() == 0 {
			closing := p.closing
			p.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-p.wake:
				continue
			case <-p.abort:
				p.discard()
				return
			}
		}
		ev := p.pending.Remove().(Event)
		p.mu.Unlock()

		select {
		case p.out <- ev:
		case <-p.abort:
			ev.Ack(ErrClosed)
			p.discard()
			return
		}
	}
}

func (p *Pump) discard() {
	p.mu.Lock()
	dropped := make([]Event, 0, p.pending.Length())
	for p.pending.Length() > 0 {
		dropped = append(dropped, p.pending.Remove().(Event))
	}
	p.mu.Unlock()

	for _, ev := range dropped {
		ev.Ack(ErrClosed)
	}
}
