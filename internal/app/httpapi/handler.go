// Package httpapi exposes the experiment services over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	app "github.com/peptide-ai/experiment-layer/internal/app"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/services/promotion"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/experiments", h.experiments)
	mux.HandleFunc("/experiments/", h.experimentResources)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/defaults/", h.defaults)
	mux.HandleFunc("/healthz", h.healthz)
	return mux
}

func (h *handler) experiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var def experiment.Experiment
		if err := decodeJSON(r.Body, &def); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		created, err := h.app.Experiments.Create(r.Context(), def)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		status := experiment.Status(strings.TrimSpace(r.URL.Query().Get("status")))
		if status != "" && !status.Valid() {
			writeError(w, http.StatusBadRequest, errors.New("unknown status filter"))
			return
		}
		exps, err := h.app.Experiments.List(r.Context(), status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, exps)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) experimentResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/experiments"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if parts[0] == "auto-promote" && len(parts) == 1 {
		h.autoPromote(w, r)
		return
	}

	experimentID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			exp, err := h.app.Experiments.Get(r.Context(), experimentID)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, exp)
		case http.MethodPut:
			var def experiment.Experiment
			if err := decodeJSON(r.Body, &def); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			def.ID = experimentID
			updated, err := h.app.Experiments.Update(r.Context(), def)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "start":
		h.start(w, r, experimentID)
	case "conclude":
		h.conclude(w, r, experimentID)
	case "abandon":
		h.abandon(w, r, experimentID)
	case "assign":
		h.assign(w, r, experimentID)
	case "convert":
		h.convert(w, r, experimentID)
	case "results":
		h.results(w, r, experimentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) start(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	exp, err := h.app.Experiments.Start(r.Context(), experimentID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *handler) conclude(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Winner string `json:"winner"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	exp, err := h.app.Promotion.Conclude(r.Context(), experimentID, payload.Winner)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *handler) abandon(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	exp, err := h.app.Experiments.Abandon(r.Context(), experimentID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *handler) assign(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	assignment, err := h.app.Assignments.Assign(r.Context(), experimentID, payload.UserID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *handler) convert(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		UserID string  `json:"user_id"`
		Value  float64 `json:"value"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Assignments.RecordConversion(r.Context(), experimentID, payload.UserID, payload.Value); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handler) results(w http.ResponseWriter, r *http.Request, experimentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := h.app.Promotion.Results(r.Context(), experimentID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) autoPromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := h.app.Promotion.RunCycle(r.Context())
	if err != nil {
		// A partial cycle may still have promoted experiments, so the
		// caller gets the report along with the failure.
		writeJSON(w, http.StatusInternalServerError, struct {
			Error  string                `json:"error"`
			Report promotion.CycleReport `json:"report"`
		}{Error: err.Error(), Report: report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "assignments" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	exposures, err := h.app.Assignments.ListUserAssignments(r.Context(), parts[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, exposures)
}

func (h *handler) defaults(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/defaults"), "/")
	if key == "" || strings.Contains(key, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cfg, err := h.app.Experiments.ActiveConfig(r.Context(), key)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps domain sentinel errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, experiment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, experiment.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, experiment.ErrRunningImmutable),
		errors.Is(err, experiment.ErrNotRunning),
		errors.Is(err, experiment.ErrStatusConflict),
		errors.Is(err, experiment.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
