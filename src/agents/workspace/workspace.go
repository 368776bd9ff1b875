package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	configDir = "config"
	logDir    = "logs"
	memoryDir = "memory"
)

// Workspace owns the per-agent config, log and snapshot files under a root
// directory. Each agent name maps to its own files; no two agents share one.
type Workspace struct {
	root   string
	mirror io.Writer

	mu      sync.Mutex
	loggers map[string]*log.Logger
	files   []*os.File
}

// New creates the workspace directories under root.
func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	for _, dir := range []string{configDir, logDir, memoryDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return &Workspace{
		root:    root,
		mirror:  os.Stdout,
		loggers: map[string]*log.Logger{},
	}, nil
}

// SetMirror changes where agent log lines are copied besides their own file.
// Pass io.Discard to keep them out of the process log.
func (w *Workspace) SetMirror(out io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if out == nil {
		out = io.Discard
	}
	w.mirror = out
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// ConfigPath is config/<name>_config.json.
func (w *Workspace) ConfigPath(name string) string {
	return filepath.Join(w.root, configDir, FileName(name)+"_config.json")
}

// LogPath is logs/<name>.log.
func (w *Workspace) LogPath(name string) string {
	return filepath.Join(w.root, logDir, FileName(name)+".log")
}

// SnapshotPath is memory/<name>_data.json.
func (w *Workspace) SnapshotPath(name string) string {
	return filepath.Join(w.root, memoryDir, FileName(name)+"_data.json")
}

// LoadConfig fills cfg from the agent's config file. cfg must be a pointer
// already holding the defaults; when the file is missing those defaults are
// written out and created is true.
func (w *Workspace) LoadConfig(name string, cfg any) (created bool, err error) {
	path := w.ConfigPath(name)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return false, fmt.Errorf("workspace: encode defaults for %s: %w", name, err)
		}
		if err := writeAtomic(path, append(out, '\n')); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("workspace: read config %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return false, fmt.Errorf("workspace: decode config %s: %w", name, err)
	}
	return false, nil
}

// WriteSnapshot replaces the agent's snapshot file with payload plus a
// last_update timestamp.
func (w *Workspace) WriteSnapshot(name string, payload map[string]any) error {
	doc := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		doc[k] = v
	}
	doc["last_update"] = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode snapshot %s: %w", name, err)
	}
	return writeAtomic(w.SnapshotPath(name), append(raw, '\n'))
}

// ReadSnapshot decodes the agent's last snapshot.
func (w *Workspace) ReadSnapshot(name string) (map[string]any, error) {
	raw, err := os.ReadFile(w.SnapshotPath(name))
	if err != nil {
		return nil, fmt.Errorf("workspace: read snapshot %s: %w", name, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("workspace: decode snapshot %s: %w", name, err)
	}
	return out, nil
}

// Logger returns the agent's append-only logger. Lines go to logs/<name>.log
// and to the mirror writer. If the file cannot be opened only the mirror is
// used.
func (w *Workspace) Logger(name string) *log.Logger {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := FileName(name)
	if logger, ok := w.loggers[key]; ok {
		return logger
	}

	out := w.mirror
	f, err := os.OpenFile(w.LogPath(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("workspace: open log for %s: %v", name, err)
	} else {
		w.files = append(w.files, f)
		out = io.MultiWriter(f, w.mirror)
	}
	logger := log.New(out, "["+name+"] ", log.LstdFlags|log.Lmsgprefix)
	w.loggers[key] = logger
	return logger
}

// Close closes every log file the workspace opened.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.files = nil
	w.loggers = map[string]*log.Logger{}
	return errors.Join(errs...)
}

// FileName reduces an agent name to a safe lower-case file stem.
func FileName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("workspace: temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("workspace: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("workspace: close %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("workspace: rename %s: %w", path, err)
	}
	return nil
}
