// Package watch keeps collections in sync by listing and then watching
// them, acting on the apierr directive for every failure: resume, back off,
// relist from an empty cursor, or stop.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bodrovis/kubex/apierr"
	"github.com/bodrovis/kubex/client"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Source is what the loops read from; *client.Client satisfies it.
type Source interface {
	List(ctx context.Context, path string) (client.ListResult, error)
	Watch(ctx context.Context, path, resourceVersion string) (<-chan apierr.Result[client.Event], error)
}

var _ Source = (*client.Client)(nil)

type Resource struct {
	Name string
	Path string
}

// Update is handed to the Handler. A relist sets Items; a watch event sets Event.
type Update struct {
	Resource        string
	ResourceVersion string
	Items           []json.RawMessage
	Event           *client.Event
}

// IsRelist reports a full snapshot that replaces everything seen so far.
func (u Update) IsRelist() bool { return u.Event == nil }

// Handler consumes updates. A non-nil error stops the runner and is returned as is.
type Handler func(ctx context.Context, u Update) error

type Runner struct {
	source    Source
	handler   Handler
	resources []Resource

	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

type Option func(*Runner) error

func WithBackoff(base, maxWait time.Duration) Option {
	return func(r *Runner) error {
		if base <= 0 || maxWait < base {
			return apierr.RequestValidation("backoff must satisfy 0 < base <= max")
		}
		r.backoffBase = base
		r.backoffMax = maxWait
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) error {
		if l == nil {
			return apierr.RequestValidation("logger is nil")
		}
		r.logger = l
		return nil
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) error {
		r.metrics = m
		return nil
	}
}

func NewRunner(src Source, h Handler, resources []Resource, opts ...Option) (*Runner, error) {
	if src == nil {
		return nil, apierr.RequestValidation("watch source is nil")
	}
	if h == nil {
		return nil, apierr.RequestValidation("watch handler is nil")
	}
	if len(resources) == 0 {
		return nil, apierr.RequestValidation("no resources to watch")
	}
	seen := make(map[string]struct{}, len(resources))
	for _, res := range resources {
		if strings.TrimSpace(res.Name) == "" || strings.TrimSpace(res.Path) == "" {
			return nil, apierr.RequestValidation(fmt.Sprintf("resource %q needs a name and a path", res.Name))
		}
		if _, dup := seen[res.Name]; dup {
			return nil, apierr.RequestValidation(fmt.Sprintf("duplicate resource %q", res.Name))
		}
		seen[res.Name] = struct{}{}
	}

	r := &Runner{
		source:      src,
		handler:     h,
		resources:   append([]Resource(nil), resources...),
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run drives one loop per resource until ctx is cancelled (returns nil) or a
// loop hits a Fatal failure or a handler error, which cancels the rest and is
// returned. Loops never wait on each other.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, res := range r.resources {
		l := r.newLoop(res)
		g.Go(func() error {
			return l.run(gctx)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
