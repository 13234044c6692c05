package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"kvchain/internal/domain"
	"kvchain/internal/kv"
	"kvchain/internal/proof"
	"kvchain/internal/service"
)

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) queryByOwner(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	owner := q.Get("avatar")
	if owner == "" {
		owner = q.Get("persona")
	}
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "missing parameter: avatar"})
		return
	}
	resp, err := s.svc.QueryByOwner(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) queryByIdentity(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	for _, name := range []string{"platform", "identity"} {
		if q.Get(name) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "missing parameter: " + name})
			return
		}
	}
	resp, err := s.svc.QueryByIdentity(r.Context(), q.Get("platform"), q.Get("identity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type auditResponse struct {
	OK       bool       `json:"ok"`
	Walked   int        `json:"walked"`
	Detached []uint64   `json:"detached"`
	BrokenAt *uint64    `json:"broken_at,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Drifts   []kv.Drift `json:"drifts"`
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	owner := r.URL.Query().Get("avatar")
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "missing parameter: avatar"})
		return
	}
	report, drifts, err := s.svc.Audit(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := auditResponse{
		OK:       report.OK() && len(drifts) == 0,
		Walked:   report.Walked,
		Detached: report.Detached,
		Drifts:   drifts,
	}
	if report.Failure != nil {
		id := report.Failure.LinkID
		resp.BrokenAt = &id
		resp.Reason = report.Failure.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) payload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req service.PayloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Payload(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req service.UploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Upload(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps an error class to the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDuplicateUUID), errors.Is(err, domain.ErrChainForked):
		return http.StatusConflict
	case service.IsRejection(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proof.ErrProofService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Message: msg})
}
