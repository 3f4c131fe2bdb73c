package client

import (
	"context"
	"time"

	"github.com/bodrovis/kubex/apierr"
)

// withExpBackoff runs fn until it succeeds, the error classifies as anything
// other than a retry, retries run out, or ctx is done. Only reads go through
// here; watch loops own their own backoff.
func (c *Client) withExpBackoff(ctx context.Context, fn func(attempt int) error) error {
	backoff := c.InitialBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt >= c.MaxRetries {
			return err
		}

		var wait time.Duration
		switch apierr.ClassifyErr(err) {
		case apierr.RetryImmediate:
			wait = 0
		case apierr.RetryWithBackoff:
			wait = apierr.JitteredBackoff(backoff)
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
		default:
			return err
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return apierr.Transport(ctx.Err())
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return apierr.Transport(ctx.Err())
		}
	}
}
