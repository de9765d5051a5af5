package storage

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultPrefix namespaces every uploaded object.
const DefaultPrefix = "uploads/"

// ProxyPath is the same-origin path under which the range-serving proxy
// exposes objects.
const ProxyPath = "/media/"

var tokenEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewToken returns ten random lowercase characters (50 bits).
func NewToken() string {
	b := make([]byte, 7)
	// rand.Read never returns an error since Go 1.24.
	_, _ = rand.Read(b)
	return tokenEncoding.EncodeToString(b)[:10]
}

// NewKey builds a direct-upload key: uploads/<unixMillis>-<token><ext>.
// ext must include its leading dot or be empty.
func NewKey(now time.Time, ext string) string {
	return DefaultPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + NewToken() + strings.ToLower(ext)
}

// NewUserKey builds a deferred-upload key:
// uploads/<userID>/<unixMillis>-<token>-<name>. name must already be sanitized.
func NewUserKey(now time.Time, userID, name string) string {
	return fmt.Sprintf("%s%s/%d-%s-%s", DefaultPrefix, userID, now.UnixMilli(), NewToken(), name)
}

// UserPrefix is the namespace owned by userID.
func UserPrefix(userID string) string {
	return DefaultPrefix + userID + "/"
}

// ValidKey reports whether key stays inside the object namespace.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return true
}

// ResolveKey maps a public URL (or a bare key) back to a storage key.
// publicPrefix is what the backend's PublicURL prepends to keys. When neither
// the public prefix nor the proxy path matches, the last path segment is taken
// as a key under DefaultPrefix.
func ResolveKey(publicPrefix, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidKey
	}

	var key string
	switch {
	case publicPrefix != "" && strings.HasPrefix(ref, publicPrefix):
		key = strings.TrimPrefix(ref, publicPrefix)
	default:
		u, err := url.Parse(ref)
		switch {
		case err != nil:
			key = DefaultPrefix + path.Base(ref)
		case u.Scheme == "" && u.Host == "" && !strings.HasPrefix(u.Path, "/"):
			key = u.Path
		case strings.HasPrefix(u.Path, ProxyPath):
			key = strings.TrimPrefix(u.Path, ProxyPath)
		default:
			key = DefaultPrefix + path.Base(u.Path)
		}
	}

	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, ref)
	}
	return key, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
