package paymentgateway

import (
	"context"
	"sync"
	"time"

	paymentgatewaytypes "github.com/frahmantamala/storefront-payments/internal/core/datamodel/paymentgateway"
	"github.com/spf13/cast"
)

const defaultTokenLifetime = 3599 * time.Second

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFetcher func(ctx context.Context) (*paymentgatewaytypes.TokenResponse, error)

// PerRequestTokenSource asks the gateway for a new token on every call.
type PerRequestTokenSource struct {
	fetch TokenFetcher
}

func NewPerRequestTokenSource(fetch TokenFetcher) *PerRequestTokenSource {
	return &PerRequestTokenSource{fetch: fetch}
}

func (s *PerRequestTokenSource) Token(ctx context.Context) (string, error) {
	resp, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// CachedTokenSource keeps one token and refreshes it margin before expiry.
// Refreshes happen under the lock so concurrent callers wait for a single fetch.
type CachedTokenSource struct {
	fetch  TokenFetcher
	margin time.Duration
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewCachedTokenSource(fetch TokenFetcher, margin time.Duration) *CachedTokenSource {
	return &CachedTokenSource{
		fetch:  fetch,
		margin: margin,
		now:    time.Now,
	}
}

func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(s.margin).Before(s.expiresAt) {
		return s.token, nil
	}

	resp, err := s.fetch(ctx)
	if err != nil {
		s.token = ""
		return "", err
	}

	lifetime := defaultTokenLifetime
	if secs, err := cast.ToInt64E(resp.ExpiresIn.String()); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}

	s.token = resp.AccessToken
	s.expiresAt = now.Add(lifetime)
	return s.token, nil
}

// Invalidate drops the cached token, forcing the next call to fetch.
func (s *CachedTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
