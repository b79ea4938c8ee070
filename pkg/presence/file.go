package presence

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// File is a Registry backed by a line-oriented text file shared between
// processes: one peer name per line, blank lines ignored. Adds append;
// removes rewrite the file through a temp file and an atomic rename, so
// concurrent writers do not corrupt the store.
type File struct {
	path   string
	logger *zap.Logger

	// Serializes this process's writers. Cross-process safety relies on
	// the append/rename protocol.
	mu sync.Mutex
}

// NewFile opens (creating if necessary) the shared presence file.
func NewFile(path string, logger *zap.Logger) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating presence directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening presence file: %w", err)
	}
	f.Close()

	return &File{path: path, logger: logger}, nil
}

// Snapshot reads the full current membership.
func (r *File) Snapshot() (map[string]struct{}, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("reading presence file: %w", err)
	}
	defer f.Close()

	users := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		users[name] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning presence file: %w", err)
	}
	return users, nil
}

// Add appends the name to the shared file.
func (r *File) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening presence file for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, name); err != nil {
		return fmt.Errorf("appending presence entry: %w", err)
	}
	return nil
}

// Remove rewrites the file omitting the first exact match of name.
func (r *File) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading presence file: %w", err)
	}

	var kept []string
	removed := false
	for _, line := range strings.Split(string(data), "\n") {
		if !removed && strings.TrimSpace(line) == name {
			removed = true
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}

	return r.replace(strings.Join(kept, "\n"), name)
}

// Reset truncates the shared file. Administration-time only.
func (r *File) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replace("", "empty")
}

// replace atomically swaps the file contents via a sibling temp file.
func (r *File) replace(contents, suffix string) error {
	temp := r.path + "." + suffix
	if contents != "" {
		contents += "\n"
	}
	if err := os.WriteFile(temp, []byte(contents), 0644); err != nil {
		return fmt.Errorf("writing temp presence file: %w", err)
	}
	if err := os.Rename(temp, r.path); err != nil {
		return fmt.Errorf("replacing presence file: %w", err)
	}
	return nil
}

// Watch observes the presence file and yields membership deltas. The
// watch is placed on the parent directory so the atomic renames done by
// Remove and Reset are seen as changes to the file.
func (r *File) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating presence watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching presence directory: %w", err)
	}

	observed, err := r.Snapshot()
	if err != nil {
		watcher.Close()
		return nil, err
	}

	changes := make(chan Change)
	go func() {
		defer close(changes)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != r.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}

				current, err := r.Snapshot()
				if err != nil {
					// The file disappears briefly during a rename swap.
					r.logger.Debug("Presence snapshot failed during watch", zap.Error(err))
					continue
				}

				change := diff(observed, current)
				observed = current
				if change.Empty() {
					continue
				}

				select {
				case changes <- change:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Presence watcher error", zap.Error(err))
			}
		}
	}()

	return changes, nil
}

var _ Registry = (*File)(nil)
