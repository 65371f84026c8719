package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// ErrBackupNotFound is returned for unknown backup files.
var ErrBackupNotFound = errors.New("backup not found")

// FileInfo describes a stored backup artifact.
type FileInfo struct {
	Filename  string        `json:"filename"`
	Size      int64         `json:"size"`
	Format    models.Format `json:"format"`
	CreatedAt time.Time     `json:"created_at"`
}

// LocalDestination stores artifacts in a directory on the server.
type LocalDestination struct {
	dir string
}

// NewLocalDestination creates dir if needed.
func NewLocalDestination(dir string) (*LocalDestination, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &LocalDestination{dir: dir}, nil
}

// Dir returns the backup directory.
func (d *LocalDestination) Dir() string { return d.dir }

// Path resolves a bare file name inside the backup directory.
func (d *LocalDestination) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid name %q", ErrBackupNotFound, name)
	}
	return filepath.Join(d.dir, name), nil
}

// Write streams an artifact to name via a temp file so readers never see
// a partial backup.
func (d *LocalDestination) Write(name string, write func(io.Writer) error) (string, int64, error) {
	path, err := d.Path(name)
	if err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(d.dir, ".partial-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("finalize backup: %w", err)
	}
	return path, info.Size(), nil
}

// Open returns a reader for a stored artifact.
func (d *LocalDestination) Open(name string) (*os.File, os.FileInfo, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Remove deletes a stored artifact.
func (d *LocalDestination) Remove(name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns stored artifacts, newest first.
func (d *LocalDestination) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		format, err := models.FormatFromFilename(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Filename: e.Name(), Size: info.Size(), Format: format, CreatedAt: info.ModTime()})
	}
	slices.SortFunc(out, func(a, b FileInfo) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}
