package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// RequestStatus asks one worker, or every worker when workerID is empty, for a
// status_report. Replies are cached and read back with LastStatus.
func (d *Dispatcher) RequestStatus(ctx context.Context, workerID string, full bool) error {
	cmd := protocol.CmdGetStatusSimple
	if full {
		cmd = protocol.CmdGetStatus
	}
	dest := workerID
	if dest == "" {
		dest = protocol.Broadcast
	}
	return d.send(ctx, cmd, dest)
}

// ResetWorker aborts the worker's current job. The worker is treated as idle
// again and will be offered work on its next announcement. A busy worker can be
// reset even after the liveness sweep evicted it.
func (d *Dispatcher) ResetWorker(ctx context.Context, workerID string) error {
	if err := d.requireWorker(workerID); err != nil {
		return err
	}
	if err := d.send(ctx, protocol.CmdResetScraper, workerID); err != nil {
		return err
	}
	d.mu.Lock()
	if rec, ok := d.workers[workerID]; ok {
		rec.Busy = false
		rec.BusyURL = ""
	}
	delete(d.inflight, workerID)
	d.mu.Unlock()
	return nil
}

// ShutdownWorker terminates one worker and forgets it.
func (d *Dispatcher) ShutdownWorker(ctx context.Context, workerID string) error {
	if err := d.requireWorker(workerID); err != nil {
		return err
	}
	if err := d.send(ctx, protocol.CmdShutdown, workerID); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.workers, workerID)
	delete(d.inflight, workerID)
	d.mu.Unlock()
	return nil
}

// ShutdownFleet broadcasts global_shutdown. The dispatcher stops as well once
// its own broadcast comes back.
func (d *Dispatcher) ShutdownFleet(ctx context.Context) error {
	return d.send(ctx, protocol.CmdGlobalShutdown, protocol.Broadcast)
}

func (d *Dispatcher) requireWorker(workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[workerID]; ok {
		return nil
	}
	if _, ok := d.inflight[workerID]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
}

func (d *Dispatcher) send(ctx context.Context, cmd protocol.Command, dest string) error {
	env, err := protocol.NewSignal(cmd, d.ID(), dest)
	if err != nil {
		return err
	}
	if err := d.publish(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	d.logger.Info("command sent", zap.String("command", string(cmd)), zap.String("destination_id", dest))
	return nil
}
