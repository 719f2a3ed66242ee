package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	dok "github.com/Doctor-One/doctor-dok"
)

// maxBodyBytes bounds request bodies; attachments are field-level
// ciphertext and stay well under this in the record workflow.
const maxBodyBytes = 32 << 20 // 32 MiB

// Server routes HTTP requests into the authorization core.
type Server struct {
	svc *dok.Service
	log zerolog.Logger
}

// NewRouter builds the HTTP handler. The /enclave subtree is routed through
// the scoped enclave guard; everything under /api that touches tenant data
// requires a bearer token.
func NewRouter(svc *dok.Service, logger zerolog.Logger) http.Handler {
	s := &Server{svc: svc, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.limitBody)

	// Unauthenticated: tenant bootstrap and token issuance.
	r.Post("/api/db/create", s.handleCreateDatabase)
	r.Post("/api/authorize", s.handleAuthorize)
	r.Post("/api/refresh", s.handleRefresh)

	// Standard zone: bearer token required.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Put("/api/keys", s.handlePutKey)
		r.Get("/api/keys", s.handleListKeys)
		r.Delete("/api/keys/{keyLocatorHash}", s.handleDeleteKey)
		r.Post("/api/keys/rotate", s.handleRotateKey)
		r.Group(func(r chi.Router) {
			r.Use(s.requireFeature(dok.CapabilityAttachments))
			r.Put("/api/attachment/{storageKey}", s.handlePutAttachment)
			r.Get("/api/attachment/{storageKey}", s.handleGetAttachment)
			r.Delete("/api/attachment/{storageKey}", s.handleDeleteAttachment)
		})
	})

	// Enclave zone: authorization is per-handler through InEnclave, so the
	// temporary key is released on every exit path.
	r.Post("/enclave/attachment/{storageKey}", s.handleEnclaveAttachment)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("zone", string(dok.ZoneFromPath(r.URL.Path))).
			Int("status", ww.Status()).
			Msg("request")
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
