// Package memory implements an in-process fan-out bus used by tests and the
// single-process local mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawlfleet/internal/bus"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

const defaultBuffer = 256

// Exchange fans every sent message out to each bound participant queue.
type Exchange struct {
	mu     sync.RWMutex
	queues map[string]*Broker
	buffer int
}

// NewExchange creates an exchange whose per-participant queues hold buffer
// messages. Senders block on a full queue only while its owner is receiving;
// a full queue with no receiver drops the message.
func NewExchange(buffer int) *Exchange {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Exchange{
		queues: make(map[string]*Broker),
		buffer: buffer,
	}
}

// Bind attaches a participant and returns its broker.
func (e *Exchange) Bind(participantID string) (*Broker, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant id is required", bus.ErrConnect)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.queues[participantID]; exists {
		return nil, fmt.Errorf("%w: participant %s already bound", bus.ErrConnect, participantID)
	}
	b := &Broker{
		exchange: e,
		id:       participantID,
		queue:    make(chan []byte, e.buffer),
		closed:   make(chan struct{}),
	}
	e.queues[participantID] = b
	return b, nil
}

// Bound returns the number of attached participants.
func (e *Exchange) Bound() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.queues)
}

func (e *Exchange) snapshot() []*Broker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Broker, 0, len(e.queues))
	for _, b := range e.queues {
		out = append(out, b)
	}
	return out
}

func (e *Exchange) unbind(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queues, id)
}

// Broker is one participant's attachment to an Exchange.
type Broker struct {
	exchange *Exchange
	id       string
	queue    chan []byte

	receivers atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// Send implements bus.Broker.
func (b *Broker) Send(ctx context.Context, data []byte) error {
	select {
	case <-b.closed:
		return bus.ErrClosed
	default:
	}
	for _, target := range b.exchange.snapshot() {
		msg := make([]byte, len(data))
		copy(msg, data)
		select {
		case target.queue <- msg:
			continue
		default:
		}
		if target.receivers.Load() == 0 {
			metrics.ObserveDropped("queue_full")
			continue
		}
		select {
		case target.queue <- msg:
		case <-target.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive implements bus.Broker.
func (b *Broker) Receive(ctx context.Context, deliver func([]byte)) error {
	b.receivers.Add(1)
	defer b.receivers.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return bus.ErrClosed
		case msg := <-b.queue:
			deliver(msg)
		}
	}
}

// Close detaches the participant. It is safe to call more than once.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.exchange.unbind(b.id)
		close(b.closed)
	})
	return nil
}
