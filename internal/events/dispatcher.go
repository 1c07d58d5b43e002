package events

import (
	"context"
	"log"
	"sync"
	"time"

	"flowline/internal/domain"
)

// Handler consumes one claimed integration event. An error sends the event
// back to pending until its retry budget is exhausted.
type Handler func(ctx context.Context, ev domain.IntegrationEvent) error

// Dispatcher drains the integration_events queue in (priority desc, sequence
// asc) order and routes each event to the handler. Components never call each
// other directly; this loop is the only coupling between them.
type Dispatcher struct {
	Writer     Writer
	Handler    Handler
	Interval   time.Duration
	MaxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}
}

func NewDispatcher(w Writer, h Handler, interval time.Duration, maxRetries int) *Dispatcher {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		Writer:     w,
		Handler:    h,
		Interval:   interval,
		MaxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
		kick:       make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Kick wakes the loop without waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		d.Drain(d.ctx)
	}
}

// Drain processes queued events until the queue is empty or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		ev, ok, err := d.Writer.ClaimNext(ctx)
		if err != nil {
			log.Printf("events: claim: %v", err)
			return
		}
		if !ok {
			return
		}
		if err := d.Handler(ctx, ev); err != nil {
			log.Printf("events: handle %s #%d: %v", ev.EventType, ev.ID, err)
			if ferr := d.Writer.Fail(ctx, ev.ID, d.MaxRetries); ferr != nil {
				log.Printf("events: fail #%d: %v", ev.ID, ferr)
			}
			continue
		}
		if err := d.Writer.Complete(ctx, ev.ID); err != nil {
			log.Printf("events: complete #%d: %v", ev.ID, err)
		}
	}
}
