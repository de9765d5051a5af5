package presign

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/radif/media/internal/metrics"
	"github.com/radif/media/internal/response"
	"github.com/radif/media/internal/signing"
	"github.com/radif/media/internal/storage"
	"github.com/radif/media/internal/upload"
)

// maxBodyBytes caps the signed payload; a real one is well under 1 KiB.
const maxBodyBytes = 16 << 10

// Handler serves POST /presign.
type Handler struct {
	verifier  *signing.Verifier
	grantor   Grantor
	validator upload.Validator
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewHandler creates a Handler. m may be nil.
func NewHandler(verifier *signing.Verifier, grantor Grantor, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		verifier:  verifier,
		grantor:   grantor,
		validator: upload.NewValidator(upload.DeferredLimits),
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// Routes mounts the handler.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/presign", h.Presign)
}

// Presign godoc
//
//	@Summary		Issue a presigned upload URL
//	@Description	Verifies the X-Signature HMAC of the raw body and returns a 5 minute PUT grant for one key.
//	@Tags			presign
//	@Accept			json
//	@Produce		json
//	@Param			X-Signature	header		string				true	"hex HMAC-SHA256 of the body"
//	@Param			body		body		signing.Payload		true	"signed upload request"
//	@Success		200			{object}	upload.Grant
//	@Failure		400			{object}	response.Envelope
//	@Failure		401			{object}	response.Envelope
//	@Failure		500			{object}	response.Envelope
//	@Router			/presign [post]
func (h *Handler) Presign(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Grant("bad_request")
		response.BadRequest(w, "request body too large or unreadable")
		return
	}

	p, err := h.verifier.Open(body, r.Header.Get(signing.Header))
	switch {
	case errors.Is(err, signing.ErrBadSignature), errors.Is(err, signing.ErrStale):
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("presign: rejected unauthenticated request")
		h.metrics.Grant("unauthorized")
		response.Unauthorized(w, "unauthorized")
		return
	case err != nil:
		h.metrics.Grant("bad_request")
		response.BadRequest(w, "malformed payload")
		return
	}

	if msg := checkPayload(p); msg != "" {
		h.metrics.Grant("bad_request")
		response.BadRequest(w, msg)
		return
	}

	verdict, err := h.validator.Validate(upload.File{Name: p.FileName, DeclaredType: p.FileType, Size: p.FileSize})
	if err != nil {
		var rej *upload.RejectionError
		if errors.As(err, &rej) {
			h.metrics.Grant("bad_request")
			response.BadRequest(w, rej.Message)
			return
		}
		h.metrics.Grant("error")
		response.InternalError(w)
		return
	}

	key := storage.NewUserKey(h.now(), p.UserID, upload.SanitizeFilename(p.FileName))
	url, err := h.grantor.PresignPut(r.Context(), key, verdict.ContentType, p.FileSize, upload.GrantTTL)
	if err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("presign: grant failed")
		h.metrics.Grant("error")
		response.InternalError(w)
		return
	}

	h.log.Info().Str("key", key).Str("user", p.UserID).Int64("size", p.FileSize).Msg("presign: grant issued")
	h.metrics.Grant("ok")
	response.Flat(w, upload.Grant{
		Success:      true,
		PresignedURL: url,
		PublicURL:    h.grantor.PublicURL(key),
		Key:          key,
		ExpiresIn:    int(upload.GrantTTL / time.Second),
		ContentType:  verdict.ContentType,
	})
}

// checkPayload returns a client-facing message for missing or unsafe fields.
func checkPayload(p signing.Payload) string {
	switch {
	case p.FileName == "" || p.FileType == "" || p.UserID == "":
		return "fileName, fileType, fileSize and userId are required"
	case strings.ContainsAny(p.UserID, `/\`) || strings.Contains(p.UserID, ".."):
		return "invalid userId"
	}
	return ""
}
