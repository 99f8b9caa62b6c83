package middleware

import (
	stderrors "errors"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/auth"
	"github.com/frahmantamala/storefront-payments/internal/transport"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

// Authenticate requires a valid bearer token and stores the caller's user ID
// on the request context.
func Authenticate(verifier auth.TokenVerifier, lg *slog.Logger) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(lg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := transport.BearerToken(r)
			if token == "" {
				base.HandleError(w, errors.ErrMissingToken)
				return
			}

			claims, err := verifier.ValidateToken(token)
			if err != nil {
				base.Logger.Debug("bearer token rejected", "path", r.URL.Path, "error", err)
				if stderrors.Is(err, auth.ErrTokenExpired) {
					base.HandleError(w, errors.ErrTokenExpired)
					return
				}
				base.HandleError(w, errors.ErrInvalidToken)
				return
			}

			ctx := errors.ContextWithUserID(r.Context(), claims.UserID)
			ctx = logger.With(ctx, "userID", claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
