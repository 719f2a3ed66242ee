package httpapi

import (
	"context"
	"net/http"

	dok "github.com/Doctor-One/doctor-dok"
)

type contextKey struct{}

// requireAuth authenticates standard-zone requests and attaches the
// per-request capability context. When the single refresh attempt minted a
// new token pair, the pair travels back in response headers so the client
// can rotate transparently.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cctx, err := s.svc.Authorizer().Authorize(r, dok.ZoneStandard)
		if err != nil {
			writeError(w, err)
			return
		}

		// A request must not smuggle one tenant's token against another
		// tenant's explicit header.
		if h := r.Header.Get(dok.HeaderDatabaseIDHash); h != "" && h != cctx.DatabaseIDHash {
			writeError(w, dok.ErrUnauthorized)
			return
		}

		if cctx.RefreshedTokens != nil {
			w.Header().Set("Access-Token", cctx.RefreshedTokens.AccessToken)
			w.Header().Set(dok.HeaderRefreshToken, cctx.RefreshedTokens.RefreshToken)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, cctx)))
	})
}

// authContext returns the capability context attached by requireAuth.
func authContext(r *http.Request) *dok.Context {
	cctx, _ := r.Context().Value(contextKey{}).(*dok.Context)
	return cctx
}

// requireFeature gates a route on the authenticated key's feature set. The
// role alone is not enough: a key share names the operations its bearer may
// invoke, and a missing feature is the same generic unauthorized as a bad
// credential.
func (s *Server) requireFeature(feature dok.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cctx := authContext(r); cctx == nil || !cctx.ACL.HasFeature(feature) {
				writeError(w, dok.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
