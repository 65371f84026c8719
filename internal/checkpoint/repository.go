package checkpoint

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/raphaelgruber/graphkeeper/internal/models"
)

const (
	metaSuffix = ".meta.json"
	snapSuffix = ".snap.json.gz"
)

// FileRepository keeps each checkpoint as a gzipped JSON snapshot plus a
// metadata file in one directory. The metadata is written last, so a
// checkpoint without it is incomplete and ignored.
type FileRepository struct {
	dir string
}

// NewFileRepository creates dir if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) Save(_ context.Context, cp Checkpoint, snap *models.Snapshot) error {
	if err := writeAtomic(filepath.Join(r.dir, cp.ID+snapSuffix), func(f *os.File) error {
		gz := gzip.NewWriter(f)
		if err := json.NewEncoder(gz).Encode(snap); err != nil {
			return err
		}
		return gz.Close()
	}); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := writeAtomic(filepath.Join(r.dir, cp.ID+metaSuffix), func(f *os.File) error {
		return json.NewEncoder(f).Encode(cp)
	}); err != nil {
		_ = os.Remove(filepath.Join(r.dir, cp.ID+snapSuffix))
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (r *FileRepository) Get(_ context.Context, id string) (Checkpoint, error) {
	return r.readMeta(filepath.Join(r.dir, id+metaSuffix))
}

func (r *FileRepository) Load(_ context.Context, id string) (*models.Snapshot, error) {
	f, err := os.Open(filepath.Join(r.dir, id+snapSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer gz.Close()

	var snap models.Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (r *FileRepository) List(_ context.Context) ([]Checkpoint, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(matches))
	for _, path := range matches {
		cp, err := r.readMeta(path)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *FileRepository) Delete(_ context.Context, id string) error {
	err := os.Remove(filepath.Join(r.dir, id+metaSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(r.dir, id+snapSuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *FileRepository) readMeta(path string) (Checkpoint, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		id := strings.TrimSuffix(filepath.Base(path), metaSuffix)
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cp, nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// MemoryRepository keeps checkpoints in memory.
type MemoryRepository struct {
	mu    sync.Mutex
	metas map[string]Checkpoint
	snaps map[string][]byte
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{metas: make(map[string]Checkpoint), snaps: make(map[string][]byte)}
}

func (r *MemoryRepository) Save(_ context.Context, cp Checkpoint, snap *models.Snapshot) error {
	// Store an encoded copy so later graph writes cannot alias it.
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas[cp.ID] = cp
	r.snaps[cp.ID] = b
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.metas[id]
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cp, nil
}

func (r *MemoryRepository) Load(_ context.Context, id string) (*models.Snapshot, error) {
	r.mu.Lock()
	b, ok := r.snaps[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Checkpoint, 0, len(r.metas))
	for _, cp := range r.metas {
		out = append(out, cp)
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metas[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.metas, id)
	delete(r.snaps, id)
	return nil
}

func sortOldestFirst(cps []Checkpoint) {
	slices.SortFunc(cps, func(a, b Checkpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
