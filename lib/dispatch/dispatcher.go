package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/tkv/lib/trie"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("dispatch")

// ErrQueueClosed is returned by Submit and Run once the dispatcher was closed
var ErrQueueClosed = errors.New("dispatcher queue closed")

// DefaultQueueCapacity is the number of requests that can wait for the dispatcher before
// Submit starts blocking
const DefaultQueueCapacity = 1024

var (
	getsTotal      = metrics.NewCounter(`tkv_requests_total{op="get"}`)
	setsTotal      = metrics.NewCounter(`tkv_requests_total{op="set"}`)
	undelivered    = metrics.NewCounter("tkv_responses_undelivered_total")
	rejected       = metrics.NewCounter("tkv_requests_rejected_total")
	requestLatency = metrics.NewHistogram("tkv_request_duration_seconds")
)

// Config configures a Dispatcher
type Config struct {
	// QueueCapacity bounds the request queue (0 = DefaultQueueCapacity)
	QueueCapacity int
}

// Dispatcher owns the trie and applies requests one at a time, in the order they were submitted.
//
// Thread-safety: Submit and Close may be called from any goroutine. Run must be called exactly
// once, it is the only goroutine that reads or writes the trie and calls the Persistence.
type Dispatcher struct {
	queue   chan Request
	done    chan struct{}
	persist Persistence
	store   *trie.Trie
	notify  Notifier
}

// New creates a dispatcher for t. t must already contain the recovered state.
func New(cfg Config, p Persistence, t *trie.Trie, n Notifier) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		queue:   make(chan Request, cfg.QueueCapacity),
		done:    make(chan struct{}),
		persist: p,
		store:   t,
		notify:  n,
	}
}

// Submit queues req for processing. It blocks while the queue is full, until ctx is done or the
// dispatcher is closed. Requests failing Validate are rejected without being queued.
func (d *Dispatcher) Submit(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		rejected.Inc()
		return err
	}

	select {
	case <-d.done:
		return ErrQueueClosed
	default:
	}

	select {
	case d.queue <- req:
		return nil
	case <-d.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close makes Run return and rejects further submissions. Requests still queued are dropped.
func (d *Dispatcher) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// Run processes requests until ctx is done or the dispatcher is closed.
//
// For every SET the mutation is appended to the persistence layer first and applied to the trie
// afterwards, so a client never observes a write that could be lost. A failed append stops the
// dispatcher and is returned, the server cannot continue without durability.
// After every request the persistence layer gets the chance to rotate.
func (d *Dispatcher) Run(ctx context.Context) error {
	Logger.Infof("dispatcher started (%d keys)", d.store.Len())

	for {
		var req Request
		select {
		case <-ctx.Done():
			Logger.Infof("dispatcher stopped: %v", ctx.Err())
			return nil
		case <-d.done:
			Logger.Errorf("dispatcher queue closed")
			return ErrQueueClosed
		case req = <-d.queue:
		}

		if err := d.handle(req); err != nil {
			return err
		}

		if _, err := d.persist.MaybeRotate(d.store.Clone); err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
	}
}

// handle applies a single request and answers the client
func (d *Dispatcher) handle(req Request) error {
	start := time.Now()
	defer requestLatency.UpdateDuration(start)

	if err := req.Validate(); err != nil {
		rejected.Inc()
		Logger.Warningf("dropping %v request from %s: %v", req.Op, req.ClientID, err)
		return nil
	}

	var resp Response
	switch req.Op {
	case OpSet:
		setsTotal.Inc()
		if err := d.persist.Append(req.Key, req.Value); err != nil {
			Logger.Errorf("failed to persist set of %q: %v", req.Key, err)
			return fmt.Errorf("failed to persist: %w", err)
		}
		d.store.Set(req.Key, req.Value)
		resp = Response{ClientID: req.ClientID, Op: OpSet}

	case OpGet:
		getsTotal.Inc()
		resp = Response{ClientID: req.ClientID, Op: OpGet, Value: d.store.Get(req.Key)}

	default:
		Logger.Warningf("dropping request with unknown op %v from %s", req.Op, req.ClientID)
		return nil
	}

	if !d.notify.Notify(req.ClientID, resp) {
		undelivered.Inc()
		Logger.Debugf("client %s gone, dropped %v response", req.ClientID, resp.Op)
	}
	return nil
}
