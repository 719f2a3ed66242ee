package httpapi

import (
	"net/http"

	dok "github.com/Doctor-One/doctor-dok"
	"github.com/Doctor-One/doctor-dok/persist"
)

type authorizeRequest struct {
	DatabaseIDHash string `json:"databaseIdHash"`
	KeyLocatorHash string `json:"keyLocatorHash"`
	KeyHash        string `json:"keyHash"`
}

type authorizeResponse struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	ACL          dok.ACL `json:"acl"`
}

// handleAuthorize is the login endpoint: it validates the presented key
// hash against the registry and issues a token pair.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DatabaseIDHash == "" || req.KeyLocatorHash == "" || req.KeyHash == "" {
		writeError(w, dok.ErrRequestFormat)
		return
	}

	pair, record, err := s.svc.Login(r.Context(), req.DatabaseIDHash, req.KeyLocatorHash, req.KeyHash)
	if err != nil {
		writeError(w, err)
		return
	}

	writeOK(w, authorizeResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ACL:          s.svc.Registry().ACLOf(record),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, dok.ErrRequestFormat)
		return
	}

	pair, err := s.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, pair)
}

type createDatabaseRequest struct {
	Record dok.KeyRecord `json:"record"`
}

// handleCreateDatabase provisions a new tenant and registers its first
// owner key in one request.
func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	manifest := persist.TenantManifest{
		CreatorIP: r.RemoteAddr,
		CreatorUA: r.UserAgent(),
	}
	if err := s.svc.CreateDatabase(r.Context(), req.Record, manifest); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"databaseIdHash": req.Record.DatabaseIDHash})
}
