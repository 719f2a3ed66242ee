package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	dok "github.com/Doctor-One/doctor-dok"
	"github.com/Doctor-One/doctor-dok/internal/crypto"
)

// handlePutAttachment stores an attachment payload for the authorized
// tenant. The body is field-cipher ciphertext produced client-side; the
// server stores it opaquely.
func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)
	storageKey := chi.URLParam(r, "storageKey")

	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		writeError(w, dok.ErrRequestFormat)
		return
	}

	if err = s.svc.Blobs().SaveAttachment(r.Context(), cctx.DatabaseIDHash, storageKey, data); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{
		"storageKey": storageKey,
		"checksum":   crypto.CalculateChecksum(data),
	})
}

// handleGetAttachment returns the stored ciphertext as-is; decryption is
// the client's job in the standard zone.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)
	storageKey := chi.URLParam(r, "storageKey")

	data, err := s.svc.Blobs().ReadAttachment(r.Context(), cctx.DatabaseIDHash, storageKey)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-Checksum", crypto.CalculateChecksum(data))
	w.Write(data)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	cctx := authContext(r)
	storageKey := chi.URLParam(r, "storageKey")

	deleted, err := s.svc.Blobs().DeleteAttachment(r.Context(), cctx.DatabaseIDHash, storageKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]bool{"deleted": deleted})
}

// handleEnclaveAttachment decrypts an attachment server-side inside the
// scoped enclave guard. The master key exists only for the duration of this
// handler; on every exit path the guard destroys it, deletes the temporary
// key share and removes the scratch directory.
func (s *Server) handleEnclaveAttachment(w http.ResponseWriter, r *http.Request) {
	storageKey := chi.URLParam(r, "storageKey")

	err := s.svc.Authorizer().InEnclave(r, func(cctx *dok.Context) error {
		if !cctx.ACL.HasFeature(dok.CapabilityAttachments) {
			return dok.ErrUnauthorized
		}

		data, err := s.svc.Blobs().ReadAttachment(r.Context(), cctx.DatabaseIDHash, storageKey)
		if err != nil {
			return err
		}

		masterKey, err := cctx.MasterKey()
		if err != nil {
			return err
		}
		plain, err := dok.DecryptBytesWith(data, masterKey)
		if err != nil {
			return err
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(plain)
		return nil
	})
	if err != nil {
		writeError(w, err)
	}
}
