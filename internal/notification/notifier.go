// Package notification formats crossing alerts and delivers them to
// external channels (generic webhook, Feishu, Telegram, log).
//
// Delivery is best-effort: the Dispatcher queues payloads and workers send
// them with a timeout. Failures are logged, never retried and never
// reported back to the caller.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrDelivery wraps every failed send.
var ErrDelivery = errors.New("notification: delivery failure")

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers a payload. Returns error if delivery fails.
	Send(ctx context.Context, p Payload) error
}

// LogNotifier writes alerts to the log (development, or no sink configured).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, p Payload) error {
	log.Printf("[notify] %s %s %s: price=%v ema=%v deviation=%v%% at %s",
		p.Icon, p.Symbol, p.AlertType, p.Price, p.EMA, p.Deviation, p.Time)
	return nil
}

// MultiNotifier sends to every backend and joins the errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Send(ctx context.Context, p Payload) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliveryErr(sink string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDelivery, sink, err)
}
