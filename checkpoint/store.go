// Package checkpoint stores DANN snapshots on disk.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ieee0824/emodann/dataset"
	"github.com/ieee0824/emodann/model"
)

// Ext is the file extension of checkpoint files.
const Ext = ".pth"

// Store names, writes and removes the checkpoints of one source/target run.
type Store struct {
	Dir    string
	Source string
	Target string
}

// New returns a Store rooted at dir.
func New(dir, source, target string) *Store {
	return &Store{Dir: dir, Source: source, Target: target}
}

func (s *Store) path(suffix string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s_model_epoch_%s%s", s.Source, s.Target, suffix, Ext))
}

// EpochPath returns {dir}/{source}_{target}_model_epoch_{epoch}.pth.
func (s *Store) EpochPath(epoch int) string { return s.path(strconv.Itoa(epoch)) }

// BestPath returns {dir}/{source}_{target}_model_epoch_best.pth.
func (s *Store) BestPath() string { return s.path("best") }

// SaveEpoch writes m as the checkpoint of epoch and returns its path.
func (s *Store) SaveEpoch(m *model.DANN, epoch int) (string, error) {
	p := s.EpochPath(epoch)
	return p, Save(p, m)
}

// SaveBest writes m as the best checkpoint and returns its path.
func (s *Store) SaveBest(m *model.DANN) (string, error) {
	p := s.BestPath()
	return p, Save(p, m)
}

// LoadEpoch reads the checkpoint of epoch.
func (s *Store) LoadEpoch(epoch int) (*model.DANN, error) {
	return Load(s.EpochPath(epoch))
}

// RemoveEpoch deletes the checkpoint of epoch. A missing file is not an error.
func (s *Store) RemoveEpoch(epoch int) error {
	return Remove(s.EpochPath(epoch))
}

// Save writes m to path. The model is encoded into a temporary file in the
// same directory, synced and renamed over path, so readers never observe a
// partial checkpoint.
func Save(path string, m *model.DANN) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}
	if err := m.Save(f); err != nil {
		cleanup()
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads a checkpoint and checks that its label vocabulary is the
// emotion vocabulary.
func Load(path string) (*model.DANN, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer f.Close()
	m, err := model.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	if err := dataset.CheckVocabulary(m.Classes); err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return m, nil
}

// Remove deletes path. Removing a missing file succeeds.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
