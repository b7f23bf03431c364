package notify

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

// ErrDispatcherRunning is returned when Run is called on a dispatcher that
// is already draining its queue.
var ErrDispatcherRunning = errors.New("notify: dispatcher already running")

// Stats is a snapshot of delivery counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Dispatcher is the single consumer of the outbound queue.
type Dispatcher struct {
	queue   <-chan model.Message
	sink    Sink
	running atomic.Bool

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher that drains queue into sink.
func NewDispatcher(queue <-chan model.Message, sink Sink) *Dispatcher {
	return &Dispatcher{queue: queue, sink: sink}
}

// Run sends queued messages until ctx is cancelled or the queue is closed.
// Pending messages are not drained on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	defer d.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg model.Message) {
	if err := d.sink.Send(ctx, msg); err != nil {
		d.failed.Add(1)
		log.Printf("notify: delivery to %q failed, dropping message: %v", msg.Destination, err)
		return
	}
	d.delivered.Add(1)
}

// Stats returns the current delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}
