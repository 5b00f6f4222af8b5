// Package identity trusts the front end's forwarded identity headers. The
// front end owns sessions and credentials; this service only needs to know
// who is asking and which wallet belongs to them.
package identity

import (
	"log/slog"
	"net/http"
	"strings"

	dErrors "goalpay/pkg/domain-errors"
	"goalpay/pkg/platform/httputil"
	request "goalpay/pkg/platform/middleware/request"
	"goalpay/pkg/requestcontext"
)

const (
	HeaderUsername = "X-Username"
	HeaderWalletID = "X-Wallet-ID"
)

// RequireIdentity rejects requests without X-Username. X-Wallet-ID is
// optional here; operations that pay out validate it themselves.
func RequireIdentity(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			username := strings.TrimSpace(r.Header.Get(HeaderUsername))
			if username == "" {
				logger.WarnContext(ctx, "request without forwarded identity",
					"request_id", request.GetRequestID(ctx),
					"path", r.URL.Path,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing user identity"))
				return
			}
			ctx = requestcontext.WithUsername(ctx, username)
			if walletID := strings.TrimSpace(r.Header.Get(HeaderWalletID)); walletID != "" {
				ctx = requestcontext.WithWalletID(ctx, walletID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
