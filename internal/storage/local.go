package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Local stores objects under a directory; used in development and tests.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./data"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(SanitizeKey(key)))
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "storage: create dirs for %s", key)
	}
	// Write then rename so a concurrent reader never sees a partial file.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return eris.Wrapf(err, "storage: write %s", key)
	}
	if err := os.Rename(tmp, p); err != nil {
		return eris.Wrapf(err, "storage: rename %s", key)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "storage: read %s", key)
	}
	return b, nil
}
