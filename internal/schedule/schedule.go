package schedule

import (
	"context"
	"time"

	"naira-ramp/internal/clock"
)

// Task is a running periodic job.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Every runs fn each interval on clk until ctx is done or the task is stopped.
// The first run happens after one interval.
func Every(ctx context.Context, clk clock.Clock, interval time.Duration, fn func(context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-clk.After(interval):
			}
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}()
	return t
}

// Stop cancels the task and waits for the current run to return.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
