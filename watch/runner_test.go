package watch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/bodrovis/kubex/apierr"
	"github.com/bodrovis/kubex/client"
	"github.com/bodrovis/kubex/watch"
)

type listStep struct {
	res client.ListResult
	err error
}

type watchStep struct {
	err    error // returned by Watch itself
	events []client.Event
	end    error // final failed Result; nil leaves the stream open until ctx ends
}

// fakeSource replays scripted steps per path. Once a script runs out, calls
// block until ctx is done.
type fakeSource struct {
	mu       sync.Mutex
	lists    map[string][]listStep
	watches  map[string][]watchStep
	listN    map[string]int
	watchRVs map[string][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lists:    map[string][]listStep{},
		watches:  map[string][]watchStep{},
		listN:    map[string]int{},
		watchRVs: map[string][]string{},
	}
}

func (f *fakeSource) List(ctx context.Context, path string) (client.ListResult, error) {
	f.mu.Lock()
	f.listN[path]++
	steps := f.lists[path]
	if len(steps) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return client.ListResult{}, apierr.Transport(ctx.Err())
	}
	step := steps[0]
	f.lists[path] = steps[1:]
	f.mu.Unlock()
	return step.res, step.err
}

func (f *fakeSource) Watch(ctx context.Context, path, rv string) (<-chan apierr.Result[client.Event], error) {
	f.mu.Lock()
	f.watchRVs[path] = append(f.watchRVs[path], rv)
	steps := f.watches[path]
	var step watchStep
	if len(steps) > 0 {
		step = steps[0]
		f.watches[path] = steps[1:]
	}
	f.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan apierr.Result[client.Event])
	go func() {
		defer close(ch)
		for _, ev := range step.events {
			select {
			case ch <- apierr.Ok(ev):
			case <-ctx.Done():
				return
			}
		}
		if step.end == nil {
			<-ctx.Done()
			return
		}
		select {
		case ch <- apierr.Fail[client.Event](step.end):
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (f *fakeSource) listCalls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listN[path]
}

func (f *fakeSource) watchedFrom(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.watchRVs[path]...)
}

type recorder struct {
	mu      sync.Mutex
	updates []watch.Update
}

func (r *recorder) handle(_ context.Context, u watch.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) count(resource string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Resource == resource {
			n++
		}
	}
	return n
}

func event(typ client.EventType, rv string) client.Event {
	return client.Event{Type: typ, Object: []byte(fmt.Sprintf(`{"metadata":{"resourceVersion":%q}}`, rv))}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRunner(t *testing.T, r *watch.Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("runner did not stop")
		return nil
	}
}

var pods = watch.Resource{Name: "pods", Path: "api/v1/pods"}

func TestNewRunner_Validation(t *testing.T) {
	src := newFakeSource()
	h := (&recorder{}).handle

	_, err := watch.NewRunner(nil, h, []watch.Resource{pods})
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))

	_, err = watch.NewRunner(src, nil, []watch.Resource{pods})
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))

	_, err = watch.NewRunner(src, h, nil)
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))

	_, err = watch.NewRunner(src, h, []watch.Resource{pods, pods})
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))

	_, err = watch.NewRunner(src, h, []watch.Resource{{Name: "x"}})
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))

	_, err = watch.NewRunner(src, h, []watch.Resource{pods}, watch.WithBackoff(0, time.Second))
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))

	_, err = watch.NewRunner(src, h, []watch.Resource{pods}, watch.WithLogger(nil))
	require.True(t, apierr.IsKind(err, apierr.KindRequestValidation))
}

func TestRun_ResumesFromCursorAfterStreamEnd(t *testing.T) {
	src := newFakeSource()
	src.lists[pods.Path] = []listStep{{res: client.ListResult{ResourceVersion: "10"}}}
	src.watches[pods.Path] = []watchStep{
		{events: []client.Event{event(client.Added, "11"), event(client.Modified, "12")}, end: io.EOF},
		{events: []client.Event{event(client.Bookmark, "20")}, end: io.EOF},
	}
	rec := &recorder{}

	r, err := watch.NewRunner(src, rec.handle, []watch.Resource{pods}, watch.WithLogger(quietLogger()))
	require.NoError(t, err)
	cancel, done := startRunner(t, r)

	require.Eventually(t, func() bool { return len(src.watchedFrom(pods.Path)) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	require.Equal(t, []string{"10", "12", "20"}, src.watchedFrom(pods.Path)[:3])
	require.Equal(t, 1, src.listCalls(pods.Path))
	// relist + two events; the bookmark only moves the cursor
	require.Equal(t, 3, rec.count("pods"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.True(t, rec.updates[0].IsRelist())
	require.Equal(t, "10", rec.updates[0].ResourceVersion)
	require.Equal(t, client.Modified, rec.updates[2].Event.Type)
	require.Equal(t, "12", rec.updates[2].ResourceVersion)
}

func TestRun_ExpiredCursorRelistsFromEmpty(t *testing.T) {
	expired := apierr.API(apierr.ErrorResponse{Status: "Failure", Message: "too old resource version", Reason: "Expired", Code: 410})

	src := newFakeSource()
	src.lists[pods.Path] = []listStep{
		{res: client.ListResult{ResourceVersion: "5"}},
		{res: client.ListResult{ResourceVersion: "500"}},
	}
	src.watches[pods.Path] = []watchStep{
		{events: []client.Event{event(client.Added, "6")}, end: expired},
	}
	rec := &recorder{}
	reg := prometheus.NewRegistry()

	r, err := watch.NewRunner(src, rec.handle, []watch.Resource{pods},
		watch.WithLogger(quietLogger()),
		watch.WithMetrics(watch.NewMetrics(reg)),
	)
	require.NoError(t, err)
	cancel, done := startRunner(t, r)

	require.Eventually(t, func() bool { return len(src.watchedFrom(pods.Path)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	require.Equal(t, 2, src.listCalls(pods.Path))
	require.Equal(t, []string{"5", "500"}, src.watchedFrom(pods.Path))
	require.Equal(t, 1.0, counterValue(t, reg, "kubex_watch_restarts_total", map[string]string{"resource": "pods"}))
	require.Equal(t, 1.0, counterValue(t, reg, "kubex_watch_directives_total", map[string]string{"resource": "pods", "directive": "RestartFromEmpty"}))
	require.Equal(t, 1.0, counterValue(t, reg, "kubex_watch_events_total", map[string]string{"resource": "pods", "type": "ADDED"}))
}

func TestRun_BacksOffOnTransientErrors(t *testing.T) {
	throttled := apierr.API(apierr.ErrorResponse{Status: "Failure", Reason: "TooManyRequests", Code: 429})

	src := newFakeSource()
	src.lists[pods.Path] = []listStep{
		{err: throttled},
		{err: apierr.Transport(context.DeadlineExceeded)},
		{res: client.ListResult{ResourceVersion: "1"}},
	}
	rec := &recorder{}
	reg := prometheus.NewRegistry()

	r, err := watch.NewRunner(src, rec.handle, []watch.Resource{pods},
		watch.WithLogger(quietLogger()),
		watch.WithBackoff(time.Millisecond, 5*time.Millisecond),
		watch.WithMetrics(watch.NewMetrics(reg)),
	)
	require.NoError(t, err)
	cancel, done := startRunner(t, r)

	require.Eventually(t, func() bool { return rec.count("pods") == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	require.Equal(t, 3, src.listCalls(pods.Path))
	require.Equal(t, 2.0, counterValue(t, reg, "kubex_watch_directives_total", map[string]string{"resource": "pods", "directive": "RetryWithBackoff"}))
}

func TestRun_RepeatedEmptyStreamsBackOff(t *testing.T) {
	src := newFakeSource()
	src.lists[pods.Path] = []listStep{{res: client.ListResult{ResourceVersion: "1"}}}
	src.watches[pods.Path] = []watchStep{{end: io.EOF}, {end: io.EOF}, {end: io.EOF}}
	reg := prometheus.NewRegistry()

	r, err := watch.NewRunner(src, (&recorder{}).handle, []watch.Resource{pods},
		watch.WithLogger(quietLogger()),
		watch.WithBackoff(time.Millisecond, 2*time.Millisecond),
		watch.WithMetrics(watch.NewMetrics(reg)),
	)
	require.NoError(t, err)
	cancel, done := startRunner(t, r)

	require.Eventually(t, func() bool { return len(src.watchedFrom(pods.Path)) >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	require.Equal(t, 1.0, counterValue(t, reg, "kubex_watch_directives_total", map[string]string{"resource": "pods", "directive": "RetryImmediate"}))
	require.Equal(t, 2.0, counterValue(t, reg, "kubex_watch_directives_total", map[string]string{"resource": "pods", "directive": "RetryWithBackoff"}))
}

func TestRun_FatalStopsAllLoops(t *testing.T) {
	nodes := watch.Resource{Name: "nodes", Path: "api/v1/nodes"}
	unauthorized := apierr.API(apierr.ErrorResponse{Status: "Failure", Message: "Unauthorized", Code: 401})

	src := newFakeSource()
	src.lists[pods.Path] = []listStep{{res: client.ListResult{ResourceVersion: "1"}}}
	src.lists[nodes.Path] = []listStep{{err: unauthorized}}

	r, err := watch.NewRunner(src, (&recorder{}).handle, []watch.Resource{pods, nodes}, watch.WithLogger(quietLogger()))
	require.NoError(t, err)
	_, done := startRunner(t, r)

	err = waitDone(t, done)
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindAPI, e.Kind)
	require.Equal(t, 401, e.Response.Code)
}

func TestRun_HandlerErrorIsReturnedAsIs(t *testing.T) {
	boom := errors.New("cache full")
	src := newFakeSource()
	src.lists[pods.Path] = []listStep{{res: client.ListResult{ResourceVersion: "1"}}}

	r, err := watch.NewRunner(src, func(context.Context, watch.Update) error { return boom },
		[]watch.Resource{pods}, watch.WithLogger(quietLogger()))
	require.NoError(t, err)
	_, done := startRunner(t, r)

	require.ErrorIs(t, waitDone(t, done), boom)
}

func TestRun_LoopsAreIndependent(t *testing.T) {
	nodes := watch.Resource{Name: "nodes", Path: "api/v1/nodes"}
	unavailable := apierr.API(apierr.ErrorResponse{Status: "Failure", Code: 503})

	src := newFakeSource()
	// nodes sits in a long backoff
	src.lists[nodes.Path] = []listStep{{err: unavailable}}
	src.lists[pods.Path] = []listStep{{res: client.ListResult{ResourceVersion: "1"}}}
	src.watches[pods.Path] = []watchStep{
		{events: []client.Event{event(client.Added, "2"), event(client.Added, "3")}},
	}
	rec := &recorder{}

	r, err := watch.NewRunner(src, rec.handle, []watch.Resource{pods, nodes},
		watch.WithLogger(quietLogger()),
		watch.WithBackoff(time.Hour, time.Hour),
	)
	require.NoError(t, err)
	cancel, done := startRunner(t, r)

	require.Eventually(t, func() bool { return rec.count("pods") == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, rec.count("nodes"))

	// cancellation interrupts the hour-long backoff
	cancel()
	require.NoError(t, waitDone(t, done))
}

// goneSource answers every call with a raw 410 from the server.
type goneSource struct {
	mu      sync.Mutex
	listOK  bool
	lists   int
	watches int
}

func (g *goneSource) List(context.Context, string) (client.ListResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lists++
	if g.listOK {
		return client.ListResult{ResourceVersion: "1"}, nil
	}
	return client.ListResult{}, apierr.Parse([]byte("gone"), 410)
}

func (g *goneSource) Watch(context.Context, string, string) (<-chan apierr.Result[client.Event], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watches++
	return nil, apierr.Parse([]byte("gone"), 410)
}

func (g *goneSource) listCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lists
}

func TestRun_RepeatedExpiryBacksOff(t *testing.T) {
	tests := []struct {
		name   string
		listOK bool
	}{
		{name: "list keeps expiring", listOK: false},
		{name: "watch expires after every list", listOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &goneSource{listOK: tt.listOK}
			reg := prometheus.NewRegistry()

			r, err := watch.NewRunner(src, (&recorder{}).handle, []watch.Resource{pods},
				watch.WithLogger(quietLogger()),
				watch.WithBackoff(50*time.Millisecond, 100*time.Millisecond),
				watch.WithMetrics(watch.NewMetrics(reg)),
			)
			require.NoError(t, err)
			cancel, done := startRunner(t, r)

			time.Sleep(250 * time.Millisecond)
			cancel()
			require.NoError(t, waitDone(t, done))

			// one immediate relist, then at least 40ms between the rest
			lists := src.listCalls()
			require.GreaterOrEqual(t, lists, 2)
			require.LessOrEqual(t, lists, 8)
			require.GreaterOrEqual(t, counterValue(t, reg, "kubex_watch_restarts_total", map[string]string{"resource": "pods"}), 2.0)
		})
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
