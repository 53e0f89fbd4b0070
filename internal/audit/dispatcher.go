package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sntacc.org/internal/obs"
)

// ErrDispatcherClosed is returned by Append once Close has started.
var ErrDispatcherClosed = errors.New("audit dispatcher closed")

// Dispatcher forwards entries to a slow sink from a background goroutine so
// request handlers never wait on it. Entries are dropped when the buffer is full.
type Dispatcher struct {
	name    string
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger

	// mu orders Append against Close: an entry is either buffered before
	// the drain starts or refused with ErrDispatcherClosed.
	mu      sync.RWMutex
	closed  bool
	ch      chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func NewDispatcher(name string, sink Sink, buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = obs.Logger()
	}
	d := &Dispatcher{
		name:    name,
		sink:    sink,
		timeout: 5 * time.Second,
		logger:  logger,
		ch:      make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Append buffers e without blocking. A full buffer drops the entry and
// counts it; a closed dispatcher refuses it.
func (d *Dispatcher) Append(_ context.Context, e Entry) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		obs.ObserveAuditDropped()
	}
	return nil
}

// Dropped reports how many entries were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting entries and drains what is buffered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.ch:
			d.forward(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.forward(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) forward(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Append(ctx, e); err != nil {
		obs.ObserveAuditFailure(d.name)
		d.logger.Error("audit forward failed", zap.String("sink", d.name), zap.String("audit_id", e.ID), zap.Error(err))
	}
}
