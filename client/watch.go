package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bodrovis/kubex/apierr"
)

type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Bookmark EventType = "BOOKMARK"
	// ErrorEvent carries a Status envelope in Object.
	ErrorEvent EventType = "ERROR"
)

// Event is one frame of a watch stream.
type Event struct {
	Type   EventType       `json:"type"`
	Object json.RawMessage `json:"object"`
}

// ResourceVersion returns object.metadata.resourceVersion, or "" when the
// object has none.
func (e Event) ResourceVersion() string {
	var obj struct {
		Metadata struct {
			ResourceVersion string `json:"resourceVersion"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(e.Object, &obj); err != nil {
		return ""
	}
	return obj.Metadata.ResourceVersion
}

// Watch opens a watch stream on path starting after resourceVersion ("" means
// "from now"). Frames are delivered in order; the stream ends with exactly
// one failed Result (io.EOF when the server closed it cleanly, the decoded
// Status for ERROR frames) unless ctx is cancelled first. The channel is
// closed when the stream goroutine exits.
//
// Callers must read the channel until it is closed or cancel ctx; a stream
// that is neither drained nor cancelled holds its goroutine and response
// body open.
func (c *Client) Watch(ctx context.Context, path, resourceVersion string) (<-chan apierr.Result[Event], error) {
	q := url.Values{}
	q.Set("watch", "1")
	q.Set("allowWatchBookmarks", "true")
	if resourceVersion != "" {
		q.Set("resourceVersion", resourceVersion)
	}

	resp, err := c.send(ctx, c.StreamClient, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan apierr.Result[Event])
	go func() {
		defer close(out)
		defer resp.Body.Close()

		send := func(r apierr.Result[Event]) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		dec := json.NewDecoder(resp.Body)
		for {
			var ev Event
			if err := dec.Decode(&ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				send(apierr.Fail[Event](streamError(err)))
				return
			}

			if ev.Type == ErrorEvent {
				status, derr := apierr.Decode(ev.Object)
				if derr != nil {
					send(apierr.Fail[Event](apierr.Serialization(fmt.Errorf("decode error event: %w", derr))))
					return
				}
				send(apierr.Fail[Event](apierr.API(status)))
				return
			}

			if !send(apierr.Ok(ev)) {
				return
			}
		}
	}()
	return out, nil
}

func streamError(err error) *apierr.Error {
	if errors.Is(err, io.EOF) {
		return apierr.Transport(io.EOF)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return apierr.Serialization(fmt.Errorf("decode watch frame: %w", err))
	}
	return apierr.From(err)
}
