package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/pipeline"
)

// alternateModelSize is the tier used by /transcribe when none is given.
const alternateModelSize = "base"

// UploadObject stores an audio file in the object store and returns its id.
func (h *Handler) UploadObject(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		jsonError(w, "Upload failed: object storage is not configured", http.StatusServiceUnavailable)
		return
	}
	if h.cfg.Storage.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Storage.MaxUploadBytes+multipartMemory)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "No audio file uploaded!", http.StatusBadRequest)
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if !acquire.AllowedExtension(header.Filename) {
		jsonError(w, "Invalid file type. Only audio files are allowed.", http.StatusBadRequest)
		return
	}
	if h.tooLarge(header.Size) {
		jsonError(w, "Uploaded file is too large.", http.StatusRequestEntityTooLarge)
		return
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	size, err := h.objects.Put(r.Context(), id, file)
	if err != nil {
		h.log.Error("object upload failed", slog.String("error", err.Error()))
		jsonResponse(w, map[string]string{"error": "Upload failed", "detail": err.Error()}, http.StatusBadGateway)
		return
	}
	h.log.Info("audio stored", slog.String("public_id", id), slog.Uint64("bytes", size))

	secureURL := "/objects/" + id
	jsonResponse(w, map[string]any{
		"secure_url": secureURL,
		"public_id":  id,
		"filename":   id,
		"url":        secureURL,
		"message":    "File uploaded successfully",
	}, http.StatusOK)
}

// ServeObject streams a stored object back for playback.
func (h *Handler) ServeObject(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		jsonError(w, "object storage is not configured", http.StatusServiceUnavailable)
		return
	}
	rc, err := h.objects.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, acquire.ErrObjectMissing) {
			jsonError(w, "file not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("object stream interrupted", slog.String("error", err.Error()))
	}
}

// Transcribe fetches a previously uploaded file by id and transcribes it.
// With a remote URL template configured the id is resolved over HTTP,
// otherwise from the object store.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	q := r.URL.Query()
	opts := pipeline.Options{Language: q.Get("lang"), ModelSize: q.Get("model_size")}
	if opts.ModelSize == "" {
		opts.ModelSize = alternateModelSize
	}

	var src acquire.Strategy
	switch {
	case h.cfg.Acquire.RemoteURLTemplate != "":
		src = h.strategies.URL(fmt.Sprintf(h.cfg.Acquire.RemoteURLTemplate, filename))
	case h.objects != nil:
		src = h.strategies.Object(h.objects, filename)
	default:
		jsonError(w, "no remote audio source is configured", http.StatusServiceUnavailable)
		return
	}

	res, err := h.pipeline.Run(r.Context(), src, opts)
	if err != nil {
		pipelineError(w, transcriptionFailed, err)
		return
	}
	h.pipeline.Results().Put(filename, res)

	jsonResponse(w, map[string]any{
		"transcription":  res.Text,
		"success":        true,
		"shareable_link": "/transcription/" + filename,
		"result":         res,
	}, http.StatusOK)
}

// Transcription returns the last result produced for filename.
func (h *Handler) Transcription(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	res, ok := h.pipeline.Results().Get(filename)
	if !ok {
		jsonError(w, "no transcription found for "+filename, http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]any{
		"transcription": res.Text,
		"result":        res,
	}, http.StatusOK)
}
