package sentinel

import (
	"context"
	"log"
	"time"
)

// Supervise runs run until ctx ends. Whenever run returns while ctx is
// still live, Supervise waits restartDelay and starts it again, calling
// onRestart (optional) with the error that ended the previous run.
func Supervise(ctx context.Context, run func(context.Context) error, restartDelay time.Duration, onRestart func(err error)) error {
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[sentinel] stream stopped (%v), restarting in %s", err, restartDelay)

		t := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if onRestart != nil {
			onRestart(err)
		}
	}
}
