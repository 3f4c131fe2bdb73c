package watch

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bodrovis/kubex/apierr"
	"github.com/bodrovis/kubex/client"
)

// jitterPercent spreads retries of loops that failed together.
const jitterPercent = 20

// loop syncs a single resource. It owns the cursor; nothing else reads or
// writes it.
type loop struct {
	res     Resource
	source  Source
	handler Handler
	log     *slog.Logger
	metrics *Metrics

	base, max time.Duration
	backoff   retry.Backoff

	cursor   string
	needList bool
	// consecutive immediate resumes with no event in between
	idleResumes int
	// consecutive relists forced by an expired cursor with no event in between
	restarts int
}

func (r *Runner) newLoop(res Resource) *loop {
	l := &loop{
		res:      res,
		source:   r.source,
		handler:  r.handler,
		log:      r.logger.With("resource", res.Name),
		metrics:  r.metrics,
		base:     r.backoffBase,
		max:      r.backoffMax,
		needList: true,
	}
	l.resetBackoff()
	return l
}

func (l *loop) resetBackoff() {
	b := retry.NewExponential(l.base)
	b = retry.WithJitterPercent(jitterPercent, b)
	l.backoff = retry.WithCappedDuration(l.max, b)
}

func (l *loop) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var err error
		if l.needList {
			err = l.relist(ctx)
		} else {
			err = l.watch(ctx)
		}
		if err == nil {
			continue
		}
		if he, ok := err.(handlerError); ok {
			return he.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.recover(ctx, err); err != nil {
			return err
		}
	}
}

func (l *loop) relist(ctx context.Context) error {
	res, err := l.source.List(ctx, l.res.Path)
	if err != nil {
		return err
	}
	l.cursor = res.ResourceVersion
	l.needList = false
	l.log.Debug("listed", "items", len(res.Items), "resourceVersion", res.ResourceVersion)
	if l.restarts == 0 {
		l.resetBackoff()
	}

	if err := l.handler(ctx, Update{
		Resource:        l.res.Name,
		ResourceVersion: res.ResourceVersion,
		Items:           res.Items,
	}); err != nil {
		return handlerError{err: err}
	}
	return nil
}

// watch consumes one stream. It always returns a non-nil error: the stream
// end, the failure that ended it, or a handler error.
func (l *loop) watch(ctx context.Context) error {
	ch, err := l.source.Watch(ctx, l.res.Path, l.cursor)
	if err != nil {
		return err
	}

	for r := range ch {
		ev, err := r.Get()
		if err != nil {
			// drain so the stream goroutine can exit
			for range ch {
			}
			return err
		}
		l.idleResumes = 0
		l.restarts = 0
		l.resetBackoff()
		l.metrics.event(l.res.Name, string(ev.Type))

		if rv := ev.ResourceVersion(); rv != "" {
			l.cursor = rv
		}
		if ev.Type == client.Bookmark {
			continue
		}
		if err := l.handler(ctx, Update{
			Resource:        l.res.Name,
			ResourceVersion: l.cursor,
			Event:           &ev,
		}); err != nil {
			return handlerError{err: err}
		}
	}
	// closed without a final Result
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apierr.Transport(io.EOF)
}

// recover applies the directive for err. It returns err back only when the
// loop must stop.
func (l *loop) recover(ctx context.Context, err error) error {
	d := apierr.ClassifyErr(err)

	// a stream that keeps ending before delivering anything is not healthy
	if d == apierr.RetryImmediate {
		l.idleResumes++
		if l.idleResumes > 1 {
			d = apierr.RetryWithBackoff
		}
	}
	l.metrics.directive(l.res.Name, d)

	switch d {
	case apierr.RetryImmediate:
		l.log.Debug("watch stream ended, resuming", "resourceVersion", l.cursor)
		return nil

	case apierr.RetryWithBackoff:
		wait, _ := l.backoff.Next()
		l.log.Warn("watch failed, backing off", "error", err, "wait", wait)
		return sleep(ctx, wait)

	case apierr.RestartFromEmpty:
		l.cursor = ""
		l.needList = true
		l.idleResumes = 0
		l.restarts++
		// a fresh list that expires again before any event must not spin
		if l.restarts > 1 {
			wait, _ := l.backoff.Next()
			l.log.Warn("resourceVersion expired again, relisting after backoff", "error", err, "wait", wait)
			return sleep(ctx, wait)
		}
		l.log.Info("resourceVersion expired, relisting", "error", err)
		return nil
	}

	l.log.Error("watch failed permanently", "error", err)
	return apierr.From(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type handlerError struct{ err error }

func (h handlerError) Error() string { return "handle update: " + h.err.Error() }

func (h handlerError) Unwrap() error { return h.err }
