package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DiskStorage writes objects to a directory on the local filesystem. It is
// meant for local development only: objects are served back through the
// range-serving proxy and content types are inferred on read.
type DiskStorage struct {
	root string
}

// NewDiskStorage creates a DiskStorage rooted at dir. The directory is
// created if it does not already exist.
func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory %q: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path for %q: %w", dir, err)
	}
	return &DiskStorage{root: abs}, nil
}

// Name implements Backend.
func (s *DiskStorage) Name() string { return "local" }

// Put writes body to root/key through a temporary file so that readers never
// observe a partially written object.
func (s *DiskStorage) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	dest, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file for %q: %w", key, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("commit %q: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// Stat implements Backend.
func (s *DiskStorage) Stat(_ context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, mapDiskError("stat", key, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("stat %q: %w", key, ErrNotFound)
	}
	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  detectContentType(p),
		LastModified: fi.ModTime(),
	}, nil
}

// Open implements Backend.
func (s *DiskStorage) Open(_ context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapDiskError("open", key, err)
	}
	if rng == nil {
		return f, nil
	}
	return sectionReadCloser{
		SectionReader: io.NewSectionReader(f, rng.Start, rng.Len()),
		closer:        f,
	}, nil
}

// List implements Backend.
func (s *DiskStorage) List(_ context.Context, prefix string) ([]ObjectSummary, error) {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	var out []ObjectSummary
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectSummary{
			Key:          key,
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
			URL:          s.PublicURL(key),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return out, nil
}

// Delete implements Backend.
func (s *DiskStorage) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return mapDiskError("remove", key, err)
	}
	return nil
}

// PublicURL returns the same-origin proxy path for key.
func (s *DiskStorage) PublicURL(key string) string {
	return ProxyPath + key
}

// Close implements Backend.
func (s *DiskStorage) Close() error { return nil }

func (s *DiskStorage) path(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (r sectionReadCloser) Close() error { return r.closer.Close() }

func mapDiskError(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}

// mediaTypes covers extensions that the platform MIME table often lacks.
var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".m4a":  "audio/x-m4a",
	".aac":  "audio/mp4",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".ogv":  "video/ogg",
	".mov":  "video/quicktime",
}

// detectContentType prefers the extension and falls back to sniffing the
// file header.
func detectContentType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
