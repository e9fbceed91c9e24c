// internal/vault/vault.go
//
// The vault is the filesystem root that serves as the system's sole durable
// store. Each lifecycle state maps to a well-known directory; everything the
// engine knows about a task it learns by reading files from here.

package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kereth/taskvault/internal/task"
	"github.com/kereth/taskvault/internal/transition"
)

// Names of the non-state areas inside a vault.
const (
	AuditDir   = "audit"
	HiddenDir  = ".taskvault"
	LogsSubdir = "logs"
)

// ErrNotFound is returned when a task file does not exist at the expected
// location. Sweepers treat this as "already handled by someone else".
var ErrNotFound = errors.New("vault: task file not found")

// Vault addresses a single vault root on disk.
type Vault struct {
	root string
}

// New wraps an existing vault root. It does not create anything.
func New(root string) *Vault {
	return &Vault{root: filepath.Clean(root)}
}

// Root returns the vault root path.
func (v *Vault) Root() string {
	return v.root
}

// Init creates the full vault layout. This is the vault-initialization
// collaborator; the engine itself never creates or deletes state directories.
func Init(root string) (*Vault, error) {
	v := New(root)
	dirs := make([]string, 0, 8)
	for _, d := range transition.StateDirs() {
		dirs = append(dirs, filepath.Join(v.root, d))
	}
	dirs = append(dirs,
		filepath.Join(v.root, AuditDir),
		filepath.Join(v.root, HiddenDir, LogsSubdir),
	)
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("vault: init %s: %w", dir, err)
		}
	}
	return v, nil
}

// Dir returns the absolute path of a named directory inside the vault.
func (v *Vault) Dir(name string) string {
	return filepath.Join(v.root, name)
}

// LogsDir returns the operational log directory.
func (v *Vault) LogsDir() string {
	return filepath.Join(v.root, HiddenDir, LogsSubdir)
}

// Check verifies the vault layout exists, so commands can fail early with a
// useful message instead of scattering ENOENTs.
func (v *Vault) Check() error {
	for _, d := range transition.StateDirs() {
		info, err := os.Stat(v.Dir(d))
		if err != nil {
			return fmt.Errorf("vault: missing state directory %s (run init?): %w", d, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault: %s is not a directory", d)
		}
	}
	return nil
}

// Located pairs a parsed record with the directory it was read from.
type Located struct {
	Record task.Record
	Dir    string
}

// Path returns the absolute path of the located task file.
func (l Located) Path(v *Vault) string {
	return filepath.Join(v.Dir(l.Dir), l.Record.FileName())
}

// Load reads and decodes one task file from a state directory.
func (v *Vault) Load(dir, name string) (Located, error) {
	path := filepath.Join(v.Dir(dir), name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Located{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Located{}, fmt.Errorf("vault: read %s: %w", path, err)
	}
	record, err := task.Decode(data)
	if err != nil {
		return Located{}, fmt.Errorf("vault: %s: %w", path, err)
	}
	return Located{Record: record, Dir: dir}, nil
}

// Find looks a task up by ID across every directory its declared state could
// legally occupy, then falls back to all state directories.
func (v *Vault) Find(id string) (Located, error) {
	name := id + ".md"
	for _, dir := range transition.StateDirs() {
		loc, err := v.Load(dir, name)
		if err == nil {
			return loc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Located{}, err
		}
	}
	return Located{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
}

// Snapshot lists the task files currently present in a state directory. The
// listing is a point-in-time snapshot; entries may vanish before a caller
// acts on them. Hidden files (in-flight temp writes, markers) are skipped.
func (v *Vault) Snapshot(dir string) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(dir))
	if err != nil {
		return nil, fmt.Errorf("vault: list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Create writes a brand-new record into its state's primary directory. Used
// by producers; existing files are never overwritten.
func (v *Vault) Create(record task.Record) (Located, error) {
	dir := transition.PrimaryFolder(record.State)
	if dir == "" {
		return Located{}, fmt.Errorf("vault: no directory licensed for state %s", record.State)
	}
	data, err := task.Encode(record)
	if err != nil {
		return Located{}, err
	}
	path := filepath.Join(v.Dir(dir), record.FileName())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Located{}, fmt.Errorf("vault: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return Located{}, fmt.Errorf("vault: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Located{}, fmt.Errorf("vault: close %s: %w", path, err)
	}
	return Located{Record: record, Dir: dir}, nil
}
