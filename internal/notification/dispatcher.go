package notification

import (
	"context"
	"log"
	"sync"
	"time"

	"ema-sentinel/internal/model"

	"github.com/google/uuid"
)

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	// QueueSize bounds pending payloads. Defaults to 256.
	QueueSize int

	// Workers is the number of delivery goroutines. Defaults to 2.
	Workers int

	// Timeout bounds one delivery. Defaults to 10s.
	Timeout time.Duration

	// Label names the indicator in the alert type. Defaults to "3h EMA21".
	Label string

	// Location for the payload timestamp. Defaults to time.Local.
	Location *time.Location
}

func (c *DispatcherConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Label == "" {
		c.Label = IndicatorLabel(3*time.Hour, 21)
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Dispatcher formats alerts and hands them to a Notifier asynchronously.
// FormatAndSend never blocks: when the queue is full the alert is dropped.
type Dispatcher struct {
	cfg      DispatcherConfig
	notifier Notifier
	queue    chan Payload

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	Now   func() time.Time
	NewID func() string

	// Optional hooks.
	OnAlert     func(a model.Alert)        // every formatted alert, before queueing
	OnDrop      func(p Payload)            // queue full or dispatcher closed
	OnDelivered func(p Payload, err error) // after each send attempt
}

// NewDispatcher creates a Dispatcher. Call Start to run the workers.
func NewDispatcher(cfg DispatcherConfig, n Notifier) *Dispatcher {
	cfg.defaults()
	if n == nil {
		n = NewLogNotifier()
	}
	return &Dispatcher{
		cfg:      cfg,
		notifier: n,
		queue:    make(chan Payload, cfg.QueueSize),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Start launches the delivery workers. They exit when ctx is cancelled or
// Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Close stops accepting alerts, lets workers drain the queue and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Pending returns the number of queued payloads.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// FormatAndSend builds the alert payload for a crossing and queues it.
func (d *Dispatcher) FormatAndSend(symbol string, price, ema float64, dir model.Direction) {
	a := model.Alert{
		ID:        d.NewID(),
		Symbol:    symbol,
		Direction: dir,
		Price:     price,
		EMA:       ema,
		Deviation: model.Deviation(price, ema),
		TS:        d.Now().UTC(),
	}
	if d.OnAlert != nil {
		d.OnAlert(a)
	}
	d.enqueue(NewPayload(a, d.cfg.Label, d.cfg.Location))
}

func (d *Dispatcher) enqueue(p Payload) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(p, "dispatcher closed")
		return
	}
	select {
	case d.queue <- p:
	default:
		d.drop(p, "queue full")
	}
}

func (d *Dispatcher) drop(p Payload, why string) {
	log.Printf("[notify] %s, dropping alert %s %s", why, p.Symbol, p.AlertType)
	if d.OnDrop != nil {
		d.OnDrop(p)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, p)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p Payload) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()

	err := d.notifier.Send(sctx, p)
	if err != nil {
		log.Printf("[notify] %s %s: %v", p.Symbol, p.AlertType, err)
	}
	if d.OnDelivered != nil {
		d.OnDelivered(p, err)
	}
}
