package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// localStore keeps uploads on the local filesystem under one directory.
type localStore struct {
	baseDir  string
	maxBytes int64
}

func (l *localStore) Save(_ context.Context, ownerID, filename string, r io.Reader) (string, error) {
	body, err := readLimited(r, l.maxBytes)
	if err != nil {
		return "", err
	}

	ref := makeRef(ownerID, filename)
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.baseDir, ref), body, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}

	if thumb, ok := thumbnail(body); ok {
		if err := os.WriteFile(filepath.Join(l.baseDir, ThumbRef(ref)), thumb, 0o644); err != nil {
			return "", fmt.Errorf("write thumbnail: %w", err)
		}
	}
	return ref, nil
}

func (l *localStore) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	// Refs are generated server-side, but a traversal attempt via a stored
	// ref must not escape the media dir.
	clean := filepath.Base(ref)
	body, err := os.ReadFile(filepath.Join(l.baseDir, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	return body, contentTypeFor(clean), nil
}
