package media

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const multipartMemory = 32 << 20

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ErrorStatus maps a service error to its HTTP status and error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidRange):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrResourceUnavailable):
		if errors.Is(err, fs.ErrNotExist) {
			return http.StatusNotFound, "resource_unavailable"
		}
		return http.StatusInternalServerError, "resource_unavailable"
	case errors.Is(err, ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrQueueClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError writes err as a JSON error envelope with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	status, code := ErrorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeError(w, status, code, message)
}

// Handler exposes the asset HTTP endpoints using go-chi.
type Handler struct {
	svc      *Service
	streamer *Streamer
	log      *slog.Logger
}

// NewHandler returns a Handler for svc that streams through streamer.
func NewHandler(svc *Service, streamer *Streamer, log *slog.Logger) *Handler {
	return &Handler{svc: svc, streamer: streamer, log: log}
}

// Register mounts the asset routes on r. Routes expect Identify upstream.
// Upload middlewares, such as a rate limiter, wrap POST /assets only.
func (h *Handler) Register(r chi.Router, upload ...func(http.Handler) http.Handler) {
	r.Route("/assets", func(r chi.Router) {
		r.Get("/", h.ListAssets)
		r.With(upload...).Post("/", h.UploadAsset)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetAsset)
			r.Patch("/", h.UpdateAsset)
			r.Delete("/", h.DeleteAsset)
			r.Post("/retry", h.RetryAsset)
			r.Get("/stream", h.StreamAsset)
			r.Head("/stream", h.StreamAsset)
		})
	})
	r.Get("/queue", h.QueueStatus)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := ErrorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		if status == http.StatusInternalServerError {
			message = "internal server error"
		}
	}
	writeError(w, status, code, message)
}

func viewer(r *http.Request) Viewer {
	v, _ := ViewerFrom(r.Context())
	return v
}

func assetID(r *http.Request) AssetID {
	return AssetID(strings.TrimSpace(chi.URLParam(r, "id")))
}

type uploadResponse struct {
	Asset         Asset `json:"asset"`
	QueuePosition int   `json:"queuePosition"`
}

// UploadAsset handles POST /assets with a multipart body holding "file" and "title".
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxUploadBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "file size is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "please upload a file")
		return
	}
	defer file.Close()

	asset, position, err := h.svc.Upload(r.Context(), viewer(r), UploadInput{
		Title:    r.FormValue("title"),
		Filename: header.Filename,
		Body:     file,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Asset: asset, QueuePosition: position})
}

type listResponse struct {
	Count  int     `json:"count"`
	Assets []Asset `json:"assets"`
}

// ListAssets handles GET /assets?state=.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	f := Filter{State: JobState(strings.TrimSpace(r.URL.Query().Get("state")))}
	assets, err := h.svc.List(r.Context(), viewer(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(assets), Assets: assets})
}

// GetAsset handles GET /assets/{id}.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), viewer(r), assetID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateRequest struct {
	Title string `json:"title"`
}

// UpdateAsset handles PATCH /assets/{id}. Only the title can change.
func (h *Handler) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := h.svc.UpdateTitle(r.Context(), viewer(r), assetID(r), req.Title)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAsset handles DELETE /assets/{id}.
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), viewer(r), assetID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryAsset handles POST /assets/{id}/retry.
func (h *Handler) RetryAsset(w http.ResponseWriter, r *http.Request) {
	a, position, err := h.svc.Retry(r.Context(), viewer(r), assetID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{Asset: a, QueuePosition: position})
}

// StreamAsset handles GET and HEAD /assets/{id}/stream.
func (h *Handler) StreamAsset(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.StreamResource(r.Context(), viewer(r), assetID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.streamer.Stream(w, r, res); err != nil {
		h.fail(w, r, err)
	}
}

// QueueStatus handles GET /queue.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.QueueStatus(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
