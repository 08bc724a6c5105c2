package framework

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

// ErrForcedExit is returned by Wait after a second stop request.
var ErrForcedExit = errors.New("forced exit")

type namedRunnable struct {
	Runnable
	name string
}

func (r *namedRunnable) Name() string {
	return r.name
}

// NamedRun wraps a Runnable with a name used in logs and errors.
func NamedRun(name string, runnable Runnable) Runnable {
	return &namedRunnable{name: name, Runnable: runnable}
}

type result struct {
	name string
	err  error
}

// Runner runs Runnables until all stopped.
// When one fails, the others are canceled.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	count   int
	results chan result
	exitCh  chan struct{}
}

// NewRunner creates a Runner below ctx.
func NewRunner(ctx context.Context) *Runner {
	r := &Runner{
		results: make(chan result),
		exitCh:  make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	return r
}

// Context returns the context passed to the Runnables.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// Stop cancels all Runnables.
func (r *Runner) Stop() {
	r.cancel()
}

// HandleSignals stops on Ctrl-C or SIGTERM, a second signal forces exit.
func (r *Runner) HandleSignals() *Runner {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		glog.Info("stop requested")
		r.cancel()
		<-sigCh
		glog.Error("stop requested again, force exit")
		close(r.exitCh)
	}()
	return r
}

// Go starts Runnables.
func (r *Runner) Go(runnables ...Runnable) *Runner {
	for _, runnable := range runnables {
		name := fmt.Sprintf("#%d", r.count)
		if named, ok := runnable.(Named); ok {
			name = named.Name()
		}
		r.count++
		go func(runnable Runnable, name string) {
			glog.V(4).Infof("runner %s started", name)
			err := runnable.Run(r.ctx)
			glog.V(4).Infof("runner %s stopped: %v", name, err)
			r.results <- result{name: name, err: err}
		}(runnable, name)
	}
	return r
}

// Wait waits for all Runnables and aggregates their failures.
// Cancellation is not a failure.
func (r *Runner) Wait() error {
	var errs AggregatedError
	for ; r.count > 0; r.count-- {
		select {
		case <-r.exitCh:
			return ErrForcedExit
		case res := <-r.results:
			if res.err == nil || res.err == context.Canceled {
				continue
			}
			glog.Errorf("runner %s failed: %v", res.name, res.err)
			errs.Add(fmt.Errorf("%s: %v", res.name, res.err))
			r.cancel()
		}
	}
	return errs.Aggregate()
}

// RunWithCloser runs fn which doesn't accept a context and closes
// closer when fn returns or ctx is done, whichever comes first.
// Closing is expected to unblock fn.
func RunWithCloser(ctx context.Context, closer io.Closer, fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()
	select {
	case <-ctx.Done():
		closer.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		closer.Close()
		return err
	}
}
