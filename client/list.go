package client

import (
	"context"
	"encoding/json"
	"net/http"
)

// ListResult is a collection read: the items plus the resourceVersion a
// watch should resume from.
type ListResult struct {
	ResourceVersion string
	Items           []json.RawMessage
}

type listEnvelope struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
	Items []json.RawMessage `json:"items"`
}

// List reads a collection, retrying transient failures.
func (c *Client) List(ctx context.Context, path string) (ListResult, error) {
	var env listEnvelope
	err := c.withExpBackoff(ctx, func(_ int) error {
		env = listEnvelope{}
		return c.Do(ctx, http.MethodGet, path, nil, &env)
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{
		ResourceVersion: env.Metadata.ResourceVersion,
		Items:           env.Items,
	}, nil
}
