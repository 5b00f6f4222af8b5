package testutil

import (
	"context"
	"net/http"

	"goalpay/pkg/requestcontext"
)

// WithIdentity puts the username and wallet id on the request context the
// way the identity middleware does. Empty values are skipped.
func WithIdentity(req *http.Request, username, walletID string) *http.Request {
	ctx := req.Context()
	if username != "" {
		ctx = requestcontext.WithUsername(ctx, username)
	}
	if walletID != "" {
		ctx = requestcontext.WithWalletID(ctx, walletID)
	}
	return req.WithContext(ctx)
}

// RequestContext returns a background context carrying a correlation id,
// for calling services directly.
func RequestContext(requestID string) context.Context {
	return requestcontext.WithRequestID(context.Background(), requestID)
}
