package probe

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn in an errgroup goroutine, logs panics to stderr, and
// restarts the goroutine with exponential backoff.
//
// Notes:
//   - Panics are treated as recoverable: they will not cancel sibling goroutines.
//   - Returned errors keep errgroup semantics: a non-nil error cancels the
//     group's derived context and is what Wait() returns.
//   - ctx cancellation stops the restart loop so Wait() can return promptly.
//
// Panics may come from the logger itself, so they are printed to stderr
// rather than logged.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		restart := backoff.NewExponentialBackOff()
		restart.InitialInterval = 200 * time.Millisecond
		restart.MaxInterval = 30 * time.Second
		restart.Reset()
		for {
			if ctx != nil && ctx.Err() != nil {
				return nil
			}

			recovered, panicked := callRecover(ctx, fn, &err)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			wait := time.NewTimer(restart.NextBackOff())
			if ctx == nil {
				<-wait.C
				continue
			}
			select {
			case <-ctx.Done():
				wait.Stop()
				return nil
			case <-wait.C:
			}
		}
	})
}

func callRecover(ctx context.Context, fn func(context.Context) error, err *error) (recovered any, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered, panicked = r, true
		}
	}()
	*err = fn(ctx)
	return nil, false
}
