package store

import (
	"fmt"
	"strings"

	"github.com/akinalp/threadline/pkg"
)

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent collection and the id of a document path.
func Split(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidateDocumentPath checks that path names a document: a non-empty, even
// number of non-empty segments.
func ValidateDocumentPath(path string) error {
	n, err := segments(path)
	if err != nil {
		return err
	}
	if n%2 != 0 {
		return fmt.Errorf("%w: %q is not a document path", pkg.ErrBadRequest, path)
	}
	return nil
}

// ValidateCollectionPath checks that path names a collection: an odd number
// of non-empty segments.
func ValidateCollectionPath(path string) error {
	n, err := segments(path)
	if err != nil {
		return err
	}
	if n%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", pkg.ErrBadRequest, path)
	}
	return nil
}

func segments(path string) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("%w: empty path", pkg.ErrBadRequest)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return 0, fmt.Errorf("%w: empty segment in %q", pkg.ErrBadRequest, path)
		}
	}
	return len(parts), nil
}
