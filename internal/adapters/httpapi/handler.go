// Package httpapi exposes the service over JSON HTTP endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"virtool/internal/core"
	"virtool/internal/dispatch"
	"virtool/internal/jobs"
	"virtool/pkg/domain"
)

// UserHeader names the request header identifying the acting user.
const UserHeader = "X-Virtool-User"

// JobQueue is the part of the job manager the handlers use.
type JobQueue interface {
	Get(id string) (jobs.Record, bool)
	List() []jobs.Record
	Cancel(id string) (jobs.Record, error)
}

// Handler serves the /api routes.
type Handler struct {
	Service *core.Service
	Jobs    JobQueue
	// Events, when set, backs the /api/events stream.
	Events  *dispatch.Dispatcher
	Logger  core.Logger

	mux *http.ServeMux
}

type clientKey struct{}

// NewHandler builds a handler over svc. queue and events may be nil.
func NewHandler(svc *core.Service, queue JobQueue, events *dispatch.Dispatcher) *Handler {
	h := &Handler{Service: svc, Jobs: queue, Events: events, Logger: slog.New(slog.DiscardHandler)}
	mux := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"GET /api/samples":                        h.listSamples,
		"POST /api/samples":                       h.createSample,
		"GET /api/samples/{id}":                   h.getSample,
		"PATCH /api/samples/{id}":                 h.editSample,
		"DELETE /api/samples/{id}":                h.removeSample,
		"PATCH /api/samples/{id}/rights":          h.setRights,
		"GET /api/samples/{id}/analyses":          h.listAnalyses,
		"POST /api/samples/{id}/analyses":         h.analyze,
		"GET /api/samples/{id}/analyses/{aid}":    h.getAnalysis,
		"DELETE /api/samples/{id}/analyses/{aid}": h.deleteAnalysis,
		"GET /api/samples/{id}/quality":           h.exportQuality,
		"GET /api/files":                          h.listFiles,
		"POST /api/files":                         h.uploadFile,
		"GET /api/refs/{ref}/indexes":             h.listIndexes,
		"POST /api/refs/{ref}/indexes":            h.rebuildIndex,
		"GET /api/refs/{ref}/indexes/current":     h.currentIndex,
		"GET /api/jobs":                           h.listJobs,
		"GET /api/jobs/{id}":                      h.getJob,
		"POST /api/jobs/{id}/cancel":              h.cancelJob,
		"GET /api/events":                         h.events,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, h.authenticated(fn))
	}
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "service not configured")
		return
	}
	h.mux.ServeHTTP(w, r)
}

// authenticated resolves the acting user from UserHeader.
func (h *Handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "requires authorization")
			return
		}
		client, err := h.Service.ClientFor(r.Context(), userID)
		if err != nil {
			if errors.As(err, new(core.ErrNotFound)) {
				writeError(w, http.StatusUnauthorized, "requires authorization")
				return
			}
			h.fail(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, client)))
	})
}

func clientFrom(r *http.Request) core.Client {
	client, _ := r.Context().Value(clientKey{}).(core.Client)
	return client
}

// Samples ---------------------------------------------------------------------

func (h *Handler) listSamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := core.SampleQuery{Term: q.Get("find")}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	if query.PerPage, err = intParam(q.Get("per_page")); err != nil {
		writeError(w, http.StatusBadRequest, "per_page must be an integer")
		return
	}
	page, err := h.Service.FindSamples(r.Context(), clientFrom(r), query)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) createSample(w http.ResponseWriter, r *http.Request) {
	var input core.SampleInput
	if !decode(w, r, &input) {
		return
	}
	sample, err := h.Service.CreateSample(r.Context(), clientFrom(r), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Location", "/api/samples/"+sample.ID)
	writeJSON(w, http.StatusCreated, sample)
}

func (h *Handler) getSample(w http.ResponseWriter, r *http.Request) {
	sample, err := h.Service.GetSample(r.Context(), clientFrom(r), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (h *Handler) editSample(w http.ResponseWriter, r *http.Request) {
	var edit core.SampleEdit
	if !decode(w, r, &edit) {
		return
	}
	sample, err := h.Service.EditSample(r.Context(), clientFrom(r), r.PathValue("id"), edit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (h *Handler) removeSample(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.RemoveSample(r.Context(), clientFrom(r), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRights(w http.ResponseWriter, r *http.Request) {
	var update core.RightsUpdate
	if !decode(w, r, &update) {
		return
	}
	sample, err := h.Service.SetSampleRights(r.Context(), clientFrom(r), r.PathValue("id"), update)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (h *Handler) exportQuality(w http.ResponseWriter, r *http.Request) {
	export, err := h.Service.ExportQuality(r.Context(), clientFrom(r), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// Analyses --------------------------------------------------------------------

func (h *Handler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses, err := h.Service.ListAnalyses(r.Context(), clientFrom(r), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": analyses})
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	var input core.AnalyzeInput
	if !decode(w, r, &input) {
		return
	}
	sampleID := r.PathValue("id")
	analysis, err := h.Service.Analyze(r.Context(), clientFrom(r), sampleID, input)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/samples/%s/analyses/%s", sampleID, analysis.ID))
	writeJSON(w, http.StatusCreated, analysis)
}

func (h *Handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.Service.GetAnalysis(r.Context(), clientFrom(r), r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *Handler) deleteAnalysis(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteAnalysis(r.Context(), clientFrom(r), r.PathValue("id"), r.PathValue("aid")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Files -----------------------------------------------------------------------

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.Service.ListAvailableFiles(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": files})
}

// uploadFile accepts either a multipart form with a "file" part or a raw
// body named by the name query parameter.
func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	var body io.Reader = r.Body
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		reader, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		part, err := reader.NextPart()
		if err != nil || part.FormName() != "file" {
			writeError(w, http.StatusBadRequest, "expected a file part")
			return
		}
		defer part.Close()
		if name == "" {
			name = part.FileName()
		}
		body = part
	}
	file, err := h.Service.UploadFile(r.Context(), clientFrom(r), name, body)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Location", "/api/files/"+file.ID)
	writeJSON(w, http.StatusCreated, file)
}

// Indexes ---------------------------------------------------------------------

func (h *Handler) listIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := h.Service.ListIndexes(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": indexes})
}

func (h *Handler) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	index, err := h.Service.RebuildIndex(r.Context(), clientFrom(r), ref)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/refs/%s/indexes/%s", ref, index.ID))
	writeJSON(w, http.StatusCreated, index)
}

func (h *Handler) currentIndex(w http.ResponseWriter, r *http.Request) {
	id, version, err := h.Service.GetCurrentIndex(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "version": version})
}

// Jobs ------------------------------------------------------------------------

func (h *Handler) listJobs(w http.ResponseWriter, _ *http.Request) {
	if h.Jobs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"documents": []jobs.Record{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": h.Jobs.List()})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	record, ok := h.Jobs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !clientFrom(r).Can(core.PermissionCancelJob) {
		writeError(w, http.StatusForbidden, "insufficient rights")
		return
	}
	record, err := h.Jobs.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobFinished):
		writeError(w, http.StatusConflict, "job already finished")
	case err != nil:
		h.fail(w, err)
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

// Events ----------------------------------------------------------------------

// events streams dispatched changes as server-sent events until the client
// disconnects or the dispatcher drops the connection.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusNotFound, "events not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	conn := dispatch.NewChannelConnection(uuid.NewString(), clientFrom(r), 64)
	h.Events.Add(conn)
	defer h.Events.Remove(conn.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case msg := <-conn.Messages():
			if _, err := io.WriteString(w, "data: "); err != nil {
				return
			}
			if err := enc.Encode(msg); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Helpers ---------------------------------------------------------------------

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail maps service errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		notFound  core.ErrNotFound
		conflict  core.ErrConflict
		rights    core.ErrInsufficientRights
		bad       core.ErrBadRequest
		violation domain.RuleViolationError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Message)
	case errors.As(err, &rights):
		writeError(w, http.StatusForbidden, rights.Error())
	case errors.As(err, &bad):
		writeError(w, http.StatusBadRequest, bad.Message)
	case errors.As(err, &violation):
		writeError(w, http.StatusConflict, violation.Error())
	default:
		h.Logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes {"id", "message"} where id is the snake-cased status text.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"id": errorID(status), "message": message})
}

func errorID(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "requires_authorization"
	case http.StatusForbidden:
		return "insufficient_rights"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}
