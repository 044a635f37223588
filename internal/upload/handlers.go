package upload

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reelflow/internal/auth"
	"reelflow/internal/response"
	"reelflow/internal/s3"
	"reelflow/internal/video"
)

const maxDescriptionBytes = 4 << 10

// Ingester is the part of Service the upload endpoint needs.
type Ingester interface {
	Ingest(ctx context.Context, req Request) (*Result, error)
	Delete(ctx context.Context, id, requester string) error
	Open(ctx context.Context, id, viewer, byteRange string) (*s3.Object, error)
	AllowedExtensions() []string
}

type Handler struct {
	service        Ingester
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewHandler(service Ingester, maxUploadBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(zap.String("component", "upload_handler")),
	}
}

// Routes mounts the video endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/upload-video", h.HandleUpload)
	r.Get("/stream-video/{id}", h.HandleStream)
	r.Delete("/videos/{id}", h.HandleDelete)
}

// HandleUpload handles POST /upload-video. The form carries one file field
// and an optional description field on either side of it; the file is
// streamed straight to disk.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized, "Missing user identity", "")
		return
	}

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeBadRequest, "Expected a multipart/form-data body", "")
		return
	}

	var (
		description string
		seen        bool
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			response.Error(w, http.StatusBadRequest, response.CodeBadRequest, "file is required", "")
			return
		}
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeBadRequest, "Malformed multipart body", "")
			return
		}

		switch part.FormName() {
		case "description":
			if seen {
				part.Close()
				h.writeIngestError(w, errDuplicateDescription)
				return
			}
			description, err = readField(part, maxDescriptionBytes)
			part.Close()
			if err != nil {
				h.writeIngestError(w, fieldError("description", err))
				return
			}
			seen = true
		case "file":
			h.ingest(w, r, owner, part, trailingDescription(mr, description, seen))
			part.Close()
			return
		default:
			part.Close()
		}
	}
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, owner string, part *multipart.Part, resolve func() (string, error)) {
	result, err := h.service.Ingest(r.Context(), Request{
		Owner:              owner,
		Filename:           part.FileName(),
		Body:               part,
		ResolveDescription: resolve,
	})
	if err != nil {
		h.writeIngestError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, result)
}

func (h *Handler) writeIngestError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrUnsupportedExtension):
		response.Error(w, http.StatusUnsupportedMediaType, response.CodeUnsupportedMedia, "Unsupported file",
			"Allowed: "+strings.Join(h.service.AllowedExtensions(), " "))
	case errors.As(err, &tooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodeTooLarge,
			"Upload exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", "")
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, response.CodeBadRequest, verr.Error(), "")
	default:
		// Details were logged by the service.
		response.Internal(w)
	}
}

// HandleStream handles GET /stream-video/{id}, passing Range through to storage.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	viewer, _ := auth.OwnerFromContext(r.Context())

	obj, err := h.service.Open(r.Context(), id, viewer, r.Header.Get("Range"))
	if err != nil {
		switch {
		case errors.Is(err, video.ErrNotFound), errors.Is(err, s3.ErrObjectNotFound):
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "Video not found", "")
		case errors.Is(err, ErrStreamingDisabled):
			response.Error(w, http.StatusServiceUnavailable, response.CodeUnavailable, "Streaming is not available", "")
		default:
			h.logger.Error("open video failed", zap.String("video_id", id), zap.Error(err))
			response.Internal(w)
		}
		return
	}
	defer obj.Body.Close()

	header := w.Header()
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	if obj.ContentLength > 0 {
		header.Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	}
	acceptRanges := obj.AcceptRanges
	if acceptRanges == "" && strings.HasPrefix(contentType, "video/") {
		acceptRanges = "bytes"
	}
	if acceptRanges != "" {
		header.Set("Accept-Ranges", acceptRanges)
	}

	status := http.StatusOK
	if obj.ContentRange != "" {
		header.Set("Content-Range", obj.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Debug("stream interrupted", zap.String("video_id", id), zap.Error(err))
	}
}

// HandleDelete handles DELETE /videos/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized, "Missing user identity", "")
		return
	}
	id := chi.URLParam(r, "id")

	err := h.service.Delete(r.Context(), id, owner)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, video.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Video not found", "")
	case errors.Is(err, ErrForbidden):
		response.Error(w, http.StatusForbidden, response.CodeForbidden, "Forbidden", "")
	default:
		h.logger.Error("delete video failed", zap.String("video_id", id), zap.Error(err))
		response.Internal(w)
	}
}

var (
	errFieldTooLong         = errors.New("field too long")
	errDuplicateDescription = &ValidationError{Field: "description", Message: "given more than once"}
)

// trailingDescription reads the parts left after the file. It returns the
// description given before the file, or the one that follows it.
func trailingDescription(mr *multipart.Reader, description string, seen bool) func() (string, error) {
	return func() (string, error) {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return description, nil
			}
			if err != nil {
				return "", fieldError("form", err)
			}

			switch part.FormName() {
			case "description":
				if seen {
					part.Close()
					return "", errDuplicateDescription
				}
				description, err = readField(part, maxDescriptionBytes)
				part.Close()
				if err != nil {
					return "", fieldError("description", err)
				}
				seen = true
			case "file":
				part.Close()
				return "", &ValidationError{Field: "file", Message: "only one file may be uploaded"}
			default:
				part.Close()
			}
		}
	}
}

// fieldError keeps body size violations distinct from malformed fields.
func fieldError(field string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	if errors.Is(err, errFieldTooLong) {
		return &ValidationError{Field: field, Message: "is too long", Err: err}
	}
	return &ValidationError{Field: field, Message: "malformed", Err: err}
}

func readField(r io.Reader, limit int64) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(b)) > limit {
		return "", errFieldTooLong
	}
	return string(b), nil
}
