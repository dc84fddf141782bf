package transport

import (
	"context"
	"net/http"

	rh "github.com/hashicorp/go-retryablehttp"
)

type ctxKey int

const idempotentKey ctxKey = iota

func withIdempotent(ctx context.Context) context.Context {
	return context.WithValue(ctx, idempotentKey, true)
}

func isIdempotent(ctx context.Context) bool {
	v, _ := ctx.Value(idempotentKey).(bool)
	return v
}

// checkRetry only lets read-only requests be retried. Logins, build and
// update submissions have side effects on the server and fail on the first
// error.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if !isIdempotent(ctx) {
		return false, nil
	}
	return rh.DefaultRetryPolicy(ctx, resp, err)
}
