// Package blob stores uploaded binary content and hands back a URL. The
// sync layer only ever treats the URL as an opaque string on a profile.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Storage interface {
	// Upload persists data and returns a URL it can later be fetched from.
	// name is only used for its extension.
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Local writes blobs into an upload directory and serves them under
// /files/<generated-name>.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blob: create upload dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Upload(ctx context.Context, name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	filename := uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(l.dir, filename), data, 0644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", filename, err)
	}
	return "/files/" + filename, nil
}

// Path resolves a served filename inside the upload directory, rejecting
// anything that would escape it.
func (l *Local) Path(filename string) (string, error) {
	clean := filepath.Clean(filename)
	if clean != filepath.Base(clean) || clean == "." || clean == ".." {
		return "", fmt.Errorf("blob: invalid filename %q", filename)
	}
	return filepath.Join(l.dir, clean), nil
}
