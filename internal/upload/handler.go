package upload

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/radif/media/internal/middleware"
	"github.com/radif/media/internal/response"
	"github.com/radif/media/internal/storage"
)

const (
	// multipartOverhead is allowed on top of the largest direct ceiling for
	// part headers and boundaries.
	multipartOverhead = 1 << 20
	// formMemory is how much of a multipart body is buffered in memory
	// before spilling to temporary files.
	formMemory = 8 << 20
	// maxJSONBody caps the small JSON bodies of the other endpoints.
	maxJSONBody = 64 << 10
)

// Handler holds HTTP handlers for upload endpoints.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

// NewHandler creates a new upload Handler.
func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the handlers. Callers are expected to apply
// middleware.RequireRole to r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Upload)
	r.Get("/", h.List)
	r.Delete("/", h.Delete)
	r.Post("/presign", h.Presign)
	r.Post("/verify", h.Verify)
}

// Upload godoc
//
//	@Summary		Upload a media file
//	@Description	Stores an image (5 MB), audio or video file (50 MB) sent as multipart field "file".
//	@Tags			upload
//	@Accept			multipart/form-data
//	@Produce		json
//	@Security		BearerAuth
//	@Param			file	formData	file	true	"media file"
//	@Success		200		{object}	Stored
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, DirectLimits.Max()+multipartOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.BadRequest(w, "file exceeds the maximum upload size")
			return
		}
		response.BadRequest(w, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "no file provided")
		return
	}
	defer file.Close()

	declared := header.Header.Get("Content-Type")
	if declared == "" {
		if mt, err := mimetype.DetectReader(file); err == nil {
			declared = mt.String()
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			h.log.Error().Err(err).Msg("upload: rewind after sniff")
			response.InternalError(w)
			return
		}
	}

	stored, err := h.svc.Direct(r.Context(), id.UserID, File{Name: header.Filename, DeclaredType: declared, Size: header.Size}, file)
	if err != nil {
		h.fail(w, "direct upload", err)
		return
	}
	response.Flat(w, stored)
}

type presignRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// Presign godoc
//
//	@Summary		Request a presigned upload URL
//	@Description	Validates the file description (100 MB ceiling) and relays a 5 minute PUT grant from the presign service. The PUT must send the grant's contentType.
//	@Tags			upload
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			body	body		presignRequest	true	"file description"
//	@Success		200		{object}	Grant
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload/presign [post]
func (h *Handler) Presign(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req presignRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FileName == "" {
		response.BadRequest(w, "fileName and fileSize are required")
		return
	}

	grant, err := h.svc.Presign(r.Context(), id.UserID, File{Name: req.FileName, DeclaredType: req.FileType, Size: req.FileSize})
	if err != nil {
		h.fail(w, "presign", err)
		return
	}
	response.Flat(w, grant)
}

type verifyRequest struct {
	Key string `json:"key"`
}

// Verify godoc
//
//	@Summary		Confirm a presigned upload
//	@Description	Checks that the object exists under the caller's namespace and is non-empty.
//	@Tags			upload
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			body	body		verifyRequest	true	"granted key"
//	@Success		200		{object}	Verified
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		404		{object}	response.Envelope
//	@Failure		422		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload/verify [post]
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}

	v, err := h.svc.Verify(r.Context(), id.UserID, req.Key)
	if err != nil {
		h.fail(w, "verify", err)
		return
	}
	response.Flat(w, v)
}

// List godoc
//
//	@Summary		List stored media
//	@Tags			upload
//	@Produce		json
//	@Security		BearerAuth
//	@Param			prefix	query		string	false	"key prefix, defaults to uploads/"
//	@Success		200		{object}	response.Envelope{data=[]storage.ObjectSummary}
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	objects, err := h.svc.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	if objects == nil {
		objects = []storage.ObjectSummary{}
	}
	response.OK(w, objects)
}

type deleteRequest struct {
	URL string `json:"url"`
}

// Delete godoc
//
//	@Summary		Delete stored media
//	@Description	Accepts the public URL returned at upload time, a proxy path or a bare key.
//	@Tags			upload
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			body	body		deleteRequest	true	"object URL"
//	@Success		200		{object}	response.Envelope
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		404		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/upload [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		response.BadRequest(w, "url is required")
		return
	}

	if _, err := h.svc.Delete(r.Context(), req.URL); err != nil {
		h.fail(w, "delete", err)
		return
	}
	response.JSON(w, http.StatusOK, response.Envelope{Success: true})
}

// fail maps service errors onto responses. Backend details are logged and
// never sent to the client.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var rej *RejectionError
	var helper *HelperError
	switch {
	case errors.As(err, &rej):
		response.BadRequest(w, rej.Message)
	case errors.Is(err, ErrHelperRejected) && errors.As(err, &helper):
		response.BadRequest(w, helper.Message)
	case errors.Is(err, ErrKeyNotOwned), errors.Is(err, ErrInvalidPrefix), errors.Is(err, storage.ErrInvalidKey):
		response.BadRequest(w, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		response.NotFound(w, "object not found")
	case errors.Is(err, ErrEmptyObject):
		response.UnprocessableEntity(w, "uploaded object is empty")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("upload: request failed")
		response.InternalError(w)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(dst); err != nil {
		response.BadRequest(w, "invalid request body")
		return false
	}
	return true
}
