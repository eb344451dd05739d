package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"social-post-scheduler/internal/config"
)

// ErrNotFound is returned when a media_ref does not resolve to stored bytes.
var ErrNotFound = errors.New("media not found")

// Resolver is the read side the publisher depends on: a media_ref in, the
// stored bytes and content type out.
type Resolver interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Store persists uploads and resolves references.
type Store interface {
	Resolver
	Save(ctx context.Context, ownerID, filename string, r io.Reader) (string, error)
}

const thumbnailWidth = 320

// New chooses a backend: S3 when a bucket is configured, local dir otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 128 * 1024 * 1024
	}
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Store{client: client, bucket: cfg.MediaS3Bucket, maxBytes: maxBytes}, nil
	}
	baseDir := cfg.MediaDir
	if baseDir == "" {
		baseDir = "./uploads"
	}
	return &localStore{baseDir: baseDir, maxBytes: maxBytes}, nil
}

// makeRef builds the stored key: owner prefix, random middle, original name.
func makeRef(ownerID, filename string) string {
	name := filepath.Base(filename)
	name = strings.ReplaceAll(name, " ", "_")
	return fmt.Sprintf("%s_%s_%s", ownerID, uuid.New().String(), name)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("media too large (>%d bytes)", limit)
	}
	return body, nil
}

func contentTypeFor(ref string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(ref))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// thumbnail renders a small JPEG preview for image uploads. Non-image bytes
// (videos included) return false; previews for those are out of scope.
func thumbnail(data []byte) ([]byte, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	small := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, small, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// ThumbRef names the preview stored next to an image upload.
func ThumbRef(ref string) string {
	return ref + ".thumb.jpg"
}
