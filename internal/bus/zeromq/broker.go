// Package zeromq implements a bus backend on ZeroMQ PUB/SUB sockets connected
// through an XSUB/XPUB forwarder (see Proxy). Frames are [exchange, body].
package zeromq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/JakeFAU/crawlfleet/internal/bus"
)

const defaultPollInterval = 100 * time.Millisecond

// Config locates the forwarder.
type Config struct {
	// PubAddr is the forwarder XSUB endpoint participants publish to.
	PubAddr string
	// SubAddr is the forwarder XPUB endpoint participants subscribe to.
	SubAddr  string
	Exchange string
	// PollInterval bounds how long Receive waits before checking for shutdown.
	PollInterval time.Duration
}

// Broker owns one PUB and one SUB socket.
type Broker struct {
	zctx         *zmq.Context
	exchange     string
	pollInterval time.Duration

	pubMu sync.Mutex
	pub   *zmq.Socket

	// recvMu is held for the whole Receive loop; the SUB socket is only touched
	// under it.
	recvMu sync.Mutex
	sub    *zmq.Socket

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New connects both sockets to the forwarder.
func New(cfg Config) (*Broker, error) {
	if cfg.PubAddr == "" || cfg.SubAddr == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: zeromq pub/sub addresses and exchange are required", bus.ErrConnect)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: zeromq context: %w", bus.ErrConnect, err)
	}
	b := &Broker{
		zctx:         zctx,
		exchange:     cfg.Exchange,
		pollInterval: poll,
		closed:       make(chan struct{}),
	}

	if b.pub, err = newSocket(zctx, zmq.PUB, cfg.PubAddr); err != nil {
		_ = zctx.Term()
		return nil, fmt.Errorf("%w: pub socket: %w", bus.ErrConnect, err)
	}
	if b.sub, err = newSocket(zctx, zmq.SUB, cfg.SubAddr); err != nil {
		_ = b.pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("%w: sub socket: %w", bus.ErrConnect, err)
	}
	if err := b.sub.SetSubscribe(cfg.Exchange); err != nil {
		_ = b.pub.Close()
		_ = b.sub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("%w: subscribe %s: %w", bus.ErrConnect, cfg.Exchange, err)
	}
	return b, nil
}

func newSocket(zctx *zmq.Context, kind zmq.Type, addr string) (*zmq.Socket, error) {
	sock, err := zctx.NewSocket(kind)
	if err != nil {
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Connect(addr); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return sock, nil
}

// Send implements bus.Broker.
func (b *Broker) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.closed:
		return bus.ErrClosed
	default:
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if _, err := b.pub.SendMessage(b.exchange, data); err != nil {
		return fmt.Errorf("zeromq send: %w", err)
	}
	return nil
}

// Receive implements bus.Broker.
func (b *Broker) Receive(ctx context.Context, deliver func([]byte)) error {
	b.recvMu.Lock()
	defer b.recvMu.Unlock()
	select {
	case <-b.closed:
		return bus.ErrClosed
	default:
	}

	poller := zmq.NewPoller()
	poller.Add(b.sub, zmq.POLLIN)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return bus.ErrClosed
		default:
		}
		polled, err := poller.Poll(b.pollInterval)
		if err != nil {
			if errors.Is(err, zmq.ETERM) {
				return bus.ErrClosed
			}
			return fmt.Errorf("zeromq poll: %w", err)
		}
		if len(polled) == 0 {
			continue
		}
		parts, err := b.sub.RecvMessageBytes(0)
		if err != nil {
			return fmt.Errorf("zeromq recv: %w", err)
		}
		if len(parts) != 2 || string(parts[0]) != b.exchange {
			continue
		}
		deliver(parts[1])
	}
}

// Close shuts both sockets down. A running Receive returns within one poll
// interval.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)

		b.pubMu.Lock()
		pubErr := b.pub.Close()
		b.pubMu.Unlock()

		b.recvMu.Lock()
		subErr := b.sub.Close()
		b.recvMu.Unlock()

		b.closeErr = errors.Join(pubErr, subErr, b.zctx.Term())
	})
	return b.closeErr
}
