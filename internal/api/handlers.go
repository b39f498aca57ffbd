package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/export"
	"github.com/loqalabs/lovanote/internal/pipeline"
)

const transcriptionFailed = "An error occurred during transcription: "

// multipartMemory is the in-memory share of a multipart form; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

type uploadResponse struct {
	pipeline.Result
	AudioURL      string `json:"audioPath"`
	AudioFilename string `json:"audioFilename"`
}

func nowTimestamp() string {
	return time.Now().Format(pipeline.TimestampLayout)
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Storage.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Storage.MaxUploadBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "Uploaded file is too large.", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "No audio file uploaded!", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		jsonError(w, "No audio file uploaded!", http.StatusBadRequest)
		return
	}
	defer file.Close()
	if !acquire.AllowedExtension(header.Filename) {
		jsonError(w, "Invalid file type. Only audio files are allowed.", http.StatusBadRequest)
		return
	}
	if h.tooLarge(header.Size) {
		jsonError(w, "Uploaded file is too large.", http.StatusRequestEntityTooLarge)
		return
	}

	opts := pipeline.Options{
		Language:  r.FormValue("lang"),
		ModelSize: r.FormValue("model_size"),
	}
	up := h.strategies.Upload(header.Filename, file)
	res, err := h.pipeline.Run(r.Context(), up, opts)
	if err != nil {
		pipelineError(w, transcriptionFailed, err)
		return
	}

	if text := r.FormValue("feedback"); text != "" {
		if err := h.feedback.Append(res.Timestamp, text); err != nil {
			h.log.Warn("failed to record feedback", slog.String("error", err.Error()))
		}
	}

	name := up.StoredName()
	jsonResponse(w, uploadResponse{Result: res, AudioURL: "/uploads/" + name, AudioFilename: name}, http.StatusOK)
}

// tooLarge reports whether an uploaded part exceeds storage.max_upload_bytes.
func (h *Handler) tooLarge(size int64) bool {
	return h.cfg.Storage.MaxUploadBytes > 0 && size > h.cfg.Storage.MaxUploadBytes
}

type urlRequest struct {
	URL       string `json:"url"`
	Video     bool   `json:"video"`
	Lang      string `json:"lang"`
	ModelSize string `json:"model_size"`
}

// TranscribeURL acquires audio from a direct link or a video page.
func (h *Handler) TranscribeURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}

	var src acquire.Strategy = h.strategies.URL(req.URL)
	if req.Video {
		src = h.strategies.Video(req.URL)
	}
	res, err := h.pipeline.Run(r.Context(), src, pipeline.Options{Language: req.Lang, ModelSize: req.ModelSize})
	if err != nil {
		pipelineError(w, transcriptionFailed, err)
		return
	}
	name := filepath.Base(res.AudioPath)
	jsonResponse(w, uploadResponse{Result: res, AudioURL: "/uploads/" + name, AudioFilename: name}, http.StatusOK)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doc := export.Document{
		Text: q.Get("text"),
		Metadata: export.Metadata{
			Language:   q.Get("language"),
			Confidence: parseOptionalFloat(q.Get("confidence")),
			Timestamp:  q.Get("timestamp"),
			AudioPath:  q.Get("audio_path"),
		},
	}
	if d := parseOptionalFloat(q.Get("duration")); d != nil {
		doc.Metadata.Duration = *d
	}
	if doc.Validate() != nil {
		jsonError(w, "Missing required data for export!", http.StatusBadRequest)
		return
	}
	format, err := export.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		jsonError(w, "Unsupported format!", http.StatusBadRequest)
		return
	}

	path, err := export.Render(format, doc, h.cfg.Storage.TranscriptsDir, chi.URLParam(r, "filename"))
	if err != nil {
		h.log.Error("export failed", slog.String("format", string(format)), slog.String("error", err.Error()))
		jsonError(w, "Error during export: "+err.Error(), http.StatusInternalServerError)
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeFile(w, r, path)
}

func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	path, err := acquire.SafeJoin(h.cfg.Storage.UploadsDir, chi.URLParam(r, "filename"))
	if err != nil {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		req.Feedback = r.FormValue("feedback")
	}
	if strings.TrimSpace(req.Feedback) == "" {
		jsonError(w, "feedback is required", http.StatusBadRequest)
		return
	}
	ts := h.now()
	if err := h.feedback.Append(ts, req.Feedback); err != nil {
		h.log.Error("failed to record feedback", slog.String("error", err.Error()))
		jsonError(w, "failed to record feedback", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"success": true, "timestamp": ts}, http.StatusOK)
}

// parseOptionalFloat treats empty, "None" and "null" as absent.
func parseOptionalFloat(v string) *float64 {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "none", "null", "undefined":
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func contentType(format export.Format) string {
	switch format {
	case export.FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case export.FormatPDF:
		return "application/pdf"
	default:
		return fmt.Sprintf("application/%s", format)
	}
}
