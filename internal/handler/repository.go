package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/service"
)

// RepositoryHandler serves the repository lifecycle endpoints.
type RepositoryHandler struct {
	svc    *service.RepositoryService
	logger *slog.Logger
}

// NewRepositoryHandler creates a RepositoryHandler.
func NewRepositoryHandler(svc *service.RepositoryService, logger *slog.Logger) *RepositoryHandler {
	return &RepositoryHandler{svc: svc, logger: logger}
}

// principalFrom returns the principal put on the context by auth.Require.
func principalFrom(r *http.Request) (model.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return model.Principal{}, apperror.Unauthorized("valid authentication required")
	}
	return p, nil
}

// HandleList returns the caller's repositories.
//
// HTTP: GET /api/repositories
func (h *RepositoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repos, err := h.svc.List(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// HandleGet returns one repository.
//
// HTTP: GET /api/repositories/{name}
func (h *RepositoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repo, err := h.svc.Get(r.Context(), p, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// HandleCreate provisions a repository.
//
// HTTP: POST /api/repositories
// REQUEST BODY: {"alias": "laptop", "sshPublicKey": "ssh-ed25519 AAAA...", "storageSize": 100, "alert": 90000}
// RESPONSE: 201 {"id": 4, "repositoryName": "6f1c2a9d"}
func (h *RepositoryHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in service.CreateRepositoryInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Create(r.Context(), p, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleEdit applies a partial update. Absent fields are left as they are.
//
// HTTP: PATCH /api/repositories/{name}
func (h *RepositoryHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in service.EditRepositoryInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	repo, err := h.svc.Edit(r.Context(), p, chi.URLParam(r, "name"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// HandleDelete removes a repository.
//
// HTTP: DELETE /api/repositories/{name}
func (h *RepositoryHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), p, chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type compactRequest struct {
	Await bool `json:"await"`
}

// HandleCompact compacts a repository. Without {"await": true} the work
// continues in the background and the response is 202 Accepted.
//
// HTTP: POST /api/repositories/{name}/compact
func (h *RepositoryHandler) HandleCompact(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in compactRequest
	if err := decodeJSON(w, r, &in, true); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Compact(r.Context(), p, chi.URLParam(r, "name"), in.Await)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// HandleHistory returns the retained snapshots of the caller's repositories.
//
// HTTP: GET /api/history
func (h *RepositoryHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snaps, err := h.svc.History(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}
