package tombstone

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FileBackend stores the blob as a single JSON file. Watch notices writes
// from other processes sharing the same file so every view converges.
type FileBackend struct {
	path    string
	log     *zap.Logger
	watcher *fsnotify.Watcher
}

func NewFileBackend(path string, log *zap.Logger) *FileBackend {
	return &FileBackend{path: path, log: log}
}

func (f *FileBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", f.path)
	}
	return data, nil
}

func (f *FileBackend) Save(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return eris.Wrap(err, "mkdir")
	}
	// Write-then-rename so a concurrent reader never sees a torn blob.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return eris.Wrapf(err, "rename %s", f.path)
	}
	return nil
}

func (f *FileBackend) Watch(ctx context.Context, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "fsnotify")
	}
	f.watcher = watcher
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "mkdir")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(evt.Name) != filepath.Clean(f.path) {
					continue
				}
				fn()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn("tombstone watcher error", zap.Error(err))
			}
		}
	}()
	return watcher.Add(dir)
}

func (f *FileBackend) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
