package zeromq

import (
	"context"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

const controlAddr = "inproc://crawlfleet-proxy-control"

// Proxy forwards publications from its XSUB endpoint to every subscriber of its
// XPUB endpoint.
type Proxy struct {
	zctx     *zmq.Context
	frontend *zmq.Socket
	backend  *zmq.Socket
	control  *zmq.Socket
	logger   *zap.Logger
}

// NewProxy binds the forwarder endpoints, e.g. tcp://*:5557 and tcp://*:5558.
func NewProxy(xsubAddr, xpubAddr string, logger *zap.Logger) (*Proxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zeromq context: %w", err)
	}
	p := &Proxy{zctx: zctx, logger: logger.Named("zmq_proxy")}

	bind := func(kind zmq.Type, addr string) (*zmq.Socket, error) {
		sock, err := zctx.NewSocket(kind)
		if err != nil {
			return nil, err
		}
		if err := sock.SetLinger(0); err != nil {
			_ = sock.Close()
			return nil, err
		}
		if err := sock.Bind(addr); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("bind %s: %w", addr, err)
		}
		return sock, nil
	}

	if p.frontend, err = bind(zmq.XSUB, xsubAddr); err != nil {
		p.close()
		return nil, err
	}
	if p.backend, err = bind(zmq.XPUB, xpubAddr); err != nil {
		p.close()
		return nil, err
	}
	if p.control, err = bind(zmq.PAIR, controlAddr); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

// Run forwards traffic until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		sock, err := p.zctx.NewSocket(zmq.PAIR)
		if err != nil {
			p.logger.Error("failed to create proxy control socket", zap.Error(err))
			return
		}
		defer func() { _ = sock.Close() }()
		if err := sock.Connect(controlAddr); err != nil {
			p.logger.Error("failed to connect proxy control socket", zap.Error(err))
			return
		}
		if _, err := sock.Send("TERMINATE", 0); err != nil {
			p.logger.Error("failed to stop proxy", zap.Error(err))
		}
	}()

	p.logger.Info("proxy started")
	err := zmq.ProxySteerable(p.frontend, p.backend, nil, p.control)
	close(stopped)
	wg.Wait()
	p.close()
	p.logger.Info("proxy stopped")
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("zeromq proxy: %w", err)
	}
	return nil
}

func (p *Proxy) close() {
	for _, sock := range []*zmq.Socket{p.frontend, p.backend, p.control} {
		if sock != nil {
			_ = sock.Close()
		}
	}
	if err := p.zctx.Term(); err != nil {
		p.logger.Warn("failed to terminate zeromq context", zap.Error(err))
	}
}
