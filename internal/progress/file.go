package progress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/sirupsen/logrus"
)

// FileStore keeps progress in a local JSON file.
type FileStore struct {
	path string
	log  *logrus.Entry
}

var _ drip.ProgressStore = (*FileStore)(nil)

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, log: logger.Component("progress")}
}

// Load returns an empty state when the file does not exist yet.
func (s *FileStore) Load(ctx context.Context) (*drip.State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.WithField("path", s.path).Info("no progress file, starting empty")
		return drip.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return decode(data)
}

// Save replaces the file atomically so a crash never leaves it half written.
func (s *FileStore) Save(ctx context.Context, st *drip.State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing progress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing progress: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
