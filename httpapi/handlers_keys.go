package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	dok "github.com/Doctor-One/doctor-dok"
)

// handlePutKey registers a new key share for the authorized tenant. Only
// owners may share durable keys; non-owners may still mint temporary
// (expiring) shares, which is how an enclave session is prepared.
func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)

	var record dok.KeyRecord
	if err := decodeBody(r, &record); err != nil {
		writeError(w, err)
		return
	}

	// The token decides the tenant; a body value cannot override it.
	record.DatabaseIDHash = cctx.DatabaseIDHash

	if cctx.ACL.Role != dok.RoleOwner {
		acl := dok.ParseACL(record.ACL)
		if acl.Role != dok.RoleTemp || record.ExpiryDate == nil {
			writeError(w, dok.ErrUnauthorized)
			return
		}
	}

	if err := s.svc.Registry().Register(r.Context(), record); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"keyLocatorHash": record.KeyLocatorHash})
}

// keyView is the list shape: the wrapped master key stays out of list
// responses; a holder only ever needs their own wrapped copy, which they
// already have.
type keyView struct {
	KeyLocatorHash string `json:"keyLocatorHash"`
	DatabaseIDHash string `json:"databaseIdHash"`
	DisplayName    string `json:"displayName,omitempty"`
	ACL            string `json:"acl,omitempty"`
	ExpiryDate     string `json:"expiryDate,omitempty"`
	Zone           string `json:"zone,omitempty"`
	UpdatedAt      string `json:"updatedAt"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)

	records, err := s.svc.Registry().List(r.Context(), cctx.DatabaseIDHash)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]keyView, 0, len(records))
	for _, rec := range records {
		v := keyView{
			KeyLocatorHash: rec.KeyLocatorHash,
			DatabaseIDHash: rec.DatabaseIDHash,
			DisplayName:    rec.DisplayName,
			ACL:            rec.ACL,
			Zone:           rec.Zone,
			UpdatedAt:      rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if rec.ExpiryDate != nil {
			v.ExpiryDate = rec.ExpiryDate.Format("2006-01-02T15:04:05Z07:00")
		}
		views = append(views, v)
	}
	writeOK(w, views)
}

// handleDeleteKey revokes a key share. The presented key hash gates the
// delete: revoking someone else's share requires knowing their secret's
// hash, not just its public locator.
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)
	locator := chi.URLParam(r, "keyLocatorHash")

	keyHash := r.Header.Get(dok.HeaderKeyHash)
	if keyHash == "" {
		keyHash = cctx.KeyHash
	}

	deleted, err := s.svc.Registry().Revoke(r.Context(), cctx.DatabaseIDHash, locator, keyHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]bool{"deleted": deleted})
}

type rotateRequest struct {
	OldKeyLocatorHash string        `json:"oldKeyLocatorHash"`
	OldKeyHash        string        `json:"oldKeyHash"`
	Replacement       dok.KeyRecord `json:"replacement"`
}

// handleRotateKey atomically swaps one share for a re-wrapped one: same
// master key under a new shared secret. Other shares are untouched.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)

	var req rotateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Replacement.DatabaseIDHash = cctx.DatabaseIDHash

	err := s.svc.Registry().Rotate(r.Context(), cctx.DatabaseIDHash, req.OldKeyLocatorHash, req.OldKeyHash, req.Replacement)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"keyLocatorHash": req.Replacement.KeyLocatorHash})
}
