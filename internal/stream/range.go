package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/radif/media/internal/storage"
)

// ErrUnsatisfiable is returned for Range headers that cannot be served.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ParseRange parses a single-range "bytes=" header against an object of size
// bytes. It accepts start-end, start- and the suffix form -n. The returned
// end is clamped to size-1 but not to any chunk cap.
func ParseRange(header string, size int64) (storage.ByteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return storage.ByteRange{}, fmt.Errorf("%w: unsupported unit in %q", ErrUnsatisfiable, header)
	}
	if strings.Contains(spec, ",") {
		return storage.ByteRange{}, fmt.Errorf("%w: multiple ranges in %q", ErrUnsatisfiable, header)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || (first == "" && last == "") {
		return storage.ByteRange{}, fmt.Errorf("%w: malformed %q", ErrUnsatisfiable, header)
	}
	if size <= 0 {
		return storage.ByteRange{}, fmt.Errorf("%w: empty object", ErrUnsatisfiable)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return storage.ByteRange{}, fmt.Errorf("%w: bad suffix length in %q", ErrUnsatisfiable, header)
		}
		return storage.ByteRange{Start: max(size-n, 0), End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return storage.ByteRange{}, fmt.Errorf("%w: bad start in %q", ErrUnsatisfiable, header)
	}
	if start >= size {
		return storage.ByteRange{}, fmt.Errorf("%w: start %d beyond size %d", ErrUnsatisfiable, start, size)
	}

	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return storage.ByteRange{}, fmt.Errorf("%w: bad end in %q", ErrUnsatisfiable, header)
		}
		end = min(end, size-1)
	}
	return storage.ByteRange{Start: start, End: end}, nil
}
