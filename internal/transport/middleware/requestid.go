package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

const TraceHeader = "X-Trace-ID"

// RequestID attaches a trace ID to the request logger and echoes it back.
// An incoming X-Trace-ID is kept so storefront and gateway logs line up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}

		ctx := logger.With(r.Context(), "traceID", traceID)
		w.Header().Set(TraceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
