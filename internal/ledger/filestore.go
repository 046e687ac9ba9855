package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emojirelay/backend/internal/models"
)

const partitionExt = ".json"

// FileStore keeps one indented JSON file per day under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create share directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(date string) string {
	return filepath.Join(s.dir, date+partitionExt)
}

// Load reads the partition for date.
func (s *FileStore) Load(_ context.Context, date string) ([]models.ShareEntry, error) {
	data, err := os.ReadFile(s.path(date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []models.ShareEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPartition, date, err)
	}
	return entries, nil
}

// Save replaces the partition for date. The write goes through a temporary
// file so readers never observe a truncated partition.
func (s *FileStore) Save(_ context.Context, date string, entries []models.ShareEntry) error {
	if entries == nil {
		entries = []models.ShareEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode partition: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, date+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp partition: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write partition: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close partition: %w", err)
	}
	if err := os.Rename(tmpName, s.path(date)); err != nil {
		return fmt.Errorf("replace partition: %w", err)
	}
	return nil
}

// Dates lists the day keys of every stored partition in ascending order.
func (s *FileStore) Dates(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		dates = append(dates, strings.TrimSuffix(name, partitionExt))
	}
	sort.Strings(dates)
	return dates, nil
}

// Delete removes the partition for date. Missing partitions are ignored.
func (s *FileStore) Delete(_ context.Context, date string) error {
	err := os.Remove(s.path(date))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
