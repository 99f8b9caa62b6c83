package middleware

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

// RequestValidator checks requests against the OpenAPI document before they
// reach a handler. Routes the document does not describe pass through.
type RequestValidator struct {
	router routers.Router
	base   *transport.BaseHandler
}

func LoadOpenAPIDocument(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load openapi document %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document %s: %w", path, err)
	}
	return doc, nil
}

func NewRequestValidator(doc *openapi3.T, logger *slog.Logger) (*RequestValidator, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &RequestValidator{
		router: router,
		base:   transport.NewBaseHandler(logger),
	}, nil
}

func (v *RequestValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         false,
			},
		}

		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.base.Logger.Warn("request rejected by openapi validation",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err)
			v.base.HandleError(w, errors.NewValidationError(validationMessage(err), errors.ErrCodeValidationFailed))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if !stderrors.As(err, &reqErr) {
		return "request does not match the API contract"
	}

	msg := reqErr.Reason
	if reqErr.Parameter != nil {
		msg = fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
	} else if reqErr.RequestBody != nil {
		msg = "request body: " + firstLine(reqErr.Error())
	}
	if msg == "" {
		msg = firstLine(reqErr.Error())
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
