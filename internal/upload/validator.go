// Package upload implements media upload validation and the direct and
// deferred (presigned) upload endpoints.
package upload

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
)

// Class is the media class of an accepted file.
type Class string

const (
	ClassImage Class = "image"
	ClassAudio Class = "audio"
	ClassVideo Class = "video"
)

const mb = 1 << 20

// Limits are the per-class size ceilings in bytes.
type Limits struct {
	Image int64
	Audio int64
	Video int64
}

// For returns the ceiling for c.
func (l Limits) For(c Class) int64 {
	switch c {
	case ClassImage:
		return l.Image
	case ClassAudio:
		return l.Audio
	default:
		return l.Video
	}
}

// Max returns the largest ceiling of any class.
func (l Limits) Max() int64 {
	return max(l.Image, l.Audio, l.Video)
}

var (
	// DirectLimits apply to uploads that pass through the application server.
	DirectLimits = Limits{Image: 5 * mb, Audio: 50 * mb, Video: 50 * mb}

	// DeferredLimits apply to presigned uploads, which bypass the server's
	// body limit.
	DeferredLimits = Limits{Image: 100 * mb, Audio: 100 * mb, Video: 100 * mb}
)

var allowedTypes = map[string]Class{
	"image/jpeg":      ClassImage,
	"image/png":       ClassImage,
	"image/gif":       ClassImage,
	"image/webp":      ClassImage,
	"audio/mpeg":      ClassAudio,
	"audio/wav":       ClassAudio,
	"audio/ogg":       ClassAudio,
	"audio/webm":      ClassAudio,
	"audio/mp4":       ClassAudio,
	"audio/x-m4a":     ClassAudio,
	"video/mp4":       ClassVideo,
	"video/webm":      ClassVideo,
	"video/ogg":       ClassVideo,
	"video/quicktime": ClassVideo,
}

type extInfo struct {
	class       Class
	contentType string
}

var allowedExtensions = map[string]extInfo{
	".jpg":  {ClassImage, "image/jpeg"},
	".jpeg": {ClassImage, "image/jpeg"},
	".png":  {ClassImage, "image/png"},
	".gif":  {ClassImage, "image/gif"},
	".webp": {ClassImage, "image/webp"},
	".mp3":  {ClassAudio, "audio/mpeg"},
	".wav":  {ClassAudio, "audio/wav"},
	".ogg":  {ClassAudio, "audio/ogg"},
	".oga":  {ClassAudio, "audio/ogg"},
	".m4a":  {ClassAudio, "audio/x-m4a"},
	".aac":  {ClassAudio, "audio/mp4"},
	".mp4":  {ClassVideo, "video/mp4"},
	".m4v":  {ClassVideo, "video/mp4"},
	".webm": {ClassVideo, "video/webm"},
	".mov":  {ClassVideo, "video/quicktime"},
	".ogv":  {ClassVideo, "video/ogg"},
}

// canonicalExtension is used when a file has no usable extension of its own.
var canonicalExtension = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
	"audio/ogg":       ".ogg",
	"audio/webm":      ".weba",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/ogg":       ".ogv",
	"video/quicktime": ".mov",
}

// File is the transient description of a file offered for upload.
type File struct {
	Name         string
	DeclaredType string
	Size         int64
}

// Verdict describes an accepted file.
type Verdict struct {
	Class       Class
	IsImage     bool
	ContentType string // the allowlisted type the object will be stored with
	MaxSize     int64  // ceiling that applied to this class
}

// Rejection reasons.
const (
	ReasonEmpty = "empty"
	ReasonType  = "type"
	ReasonSize  = "size"
)

// RejectionError reports why a file was refused. Message is safe to show to
// the client.
type RejectionError struct {
	Reason  string
	Message string
	Limit   int64
}

func (e *RejectionError) Error() string { return e.Message }

// Validator checks files against the type allowlist and size ceilings. It is
// a pure value: the same File always yields the same result.
type Validator struct {
	Limits Limits
}

// NewValidator returns a Validator enforcing limits.
func NewValidator(limits Limits) Validator {
	return Validator{Limits: limits}
}

// Validate accepts f or returns a *RejectionError.
func (v Validator) Validate(f File) (Verdict, error) {
	if f.Size <= 0 {
		return Verdict{}, &RejectionError{Reason: ReasonEmpty, Message: fmt.Sprintf("file %q is empty", f.Name)}
	}

	class, contentType, ok := classify(f.DeclaredType, f.Name)
	if !ok {
		return Verdict{}, &RejectionError{
			Reason:  ReasonType,
			Message: fmt.Sprintf("file type %q is not allowed for %q; allowed are JPEG, PNG, GIF, WebP images, MP3, WAV, OGG, WebM, M4A audio and MP4, WebM, OGG, MOV video", f.DeclaredType, f.Name),
		}
	}

	limit := v.Limits.For(class)
	if f.Size > limit {
		return Verdict{}, &RejectionError{
			Reason:  ReasonSize,
			Message: fmt.Sprintf("%s files must be at most %d MB", class, limit/mb),
			Limit:   limit,
		}
	}

	return Verdict{
		Class:       class,
		IsImage:     class == ClassImage,
		ContentType: contentType,
		MaxSize:     limit,
	}, nil
}

// classify trusts an allowlisted declared type first and falls back to the
// filename extension.
func classify(declared, name string) (Class, string, bool) {
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		mt = strings.ToLower(mt)
		if c, ok := allowedTypes[mt]; ok {
			return c, mt, true
		}
	}
	if info, ok := allowedExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return info.class, info.contentType, true
	}
	return "", "", false
}

// Extension returns the lowercase extension to use in a storage key for a
// file called name with the given resolved content type.
func Extension(name, contentType string) string {
	ext := strings.ToLower(filepath.Ext(SanitizeFilename(name)))
	if info, ok := allowedExtensions[ext]; ok && info.contentType == contentType {
		return ext
	}
	return canonicalExtension[contentType]
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	dotRuns     = regexp.MustCompile(`\.{2,}`)
)

const maxFilenameLength = 100

// SanitizeFilename strips everything but alphanumerics, dot, underscore and
// hyphen, collapses repeated dots and never returns an empty or hidden name.
func SanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "")
	name = dotRuns.ReplaceAllString(name, ".")
	name = strings.TrimLeft(name, ".-")

	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	if name == "" {
		return "file"
	}
	return name
}
