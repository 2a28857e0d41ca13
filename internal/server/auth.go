package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/auth"
	"marketline/internal/metrics"
)

type callerKey struct{}

func withCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// callerFromContext returns the address authenticated by the middleware.
func callerFromContext(ctx context.Context) (common.Address, huma.StatusError) {
	if addr, ok := ctx.Value(callerKey{}).(common.Address); ok {
		return addr, nil
	}
	return common.Address{}, newAPIError(http.StatusUnauthorized, errNoCaller.Error())
}

// requiresAuth reports whether the request mutates the book.
func requiresAuth(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "orders")
}

// newAuthMiddleware verifies challenge tokens on publish and unpublish.
// Read routes stay anonymous.
func newAuthMiddleware(svc auth.Service, chainID uint64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !requiresAuth(req) {
				next.ServeHTTP(w, req)
				return
			}
			token := strings.TrimSpace(req.Header.Get("Authorization"))
			if token == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, errNoCaller.Error()))
				return
			}
			addr, err := svc.Verify(req.Context(), chainID, token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, err.Error()))
				return
			}
			next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), addr)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := err.GetStatus()
	metrics.RequestErrors.WithLabelValues(statusClass(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
