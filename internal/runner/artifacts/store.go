// Package artifacts implements the Agent Runner's Artifact Store:
// timestamped cycle directories, atomic writes, per-agent memory files,
// shared memory, and a fallback "most-recent valid" lookup. Writes go
// through internal/platform/atomicio; completed cycles can optionally
// be archived via internal/platform/backup.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/atomicio"
)

// Name enumerates the fixed artifact filenames.
type Name string

const (
	Plan       Name = "plan.md"
	Research   Name = "research.md"
	Analysis   Name = "analysis.md"
	Strategy   Name = "strategy.json"
	Evaluation Name = "evaluation.md"
)

// Store manages cycles/<cycleId>/<name> artifacts plus per-agent memory
// files and the shared cross-cycle memory file, all under root.
type Store struct {
	root string // artifacts/
}

// New constructs a Store rooted at root (typically "<dataDir>/artifacts").
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) cycleDir(cycleID string) string {
	return filepath.Join(s.root, "cycles", cycleID)
}

func (s *Store) historyDir() string {
	return filepath.Join(s.root, "cycles", "history")
}

// Write atomically writes content as the named artifact for cycleID.
func (s *Store) Write(cycleID string, name Name, content []byte) error {
	path := filepath.Join(s.cycleDir(cycleID), string(name))
	return atomicio.WriteFile(path, content, 0o644)
}

// Read returns the named artifact's content for cycleID.
func (s *Store) Read(cycleID string, name Name) ([]byte, error) {
	path := filepath.Join(s.cycleDir(cycleID), string(name))
	return os.ReadFile(path)
}

// Exists reports whether the named artifact exists for cycleID.
func (s *Store) Exists(cycleID string, name Name) bool {
	path := filepath.Join(s.cycleDir(cycleID), string(name))
	return atomicio.Exists(path)
}

// MostRecentValid implements the fallback lookup used when an operator
// has configured a skip policy: scan cycle directories newest-first and
// return the first one containing a readable copy of name.
func (s *Store) MostRecentValid(name Name) (cycleID string, content []byte, err error) {
	cyclesRoot := filepath.Join(s.root, "cycles")
	entries, err := os.ReadDir(cyclesRoot)
	if err != nil {
		return "", nil, fmt.Errorf("artifacts: list cycles: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "history" {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	for _, id := range ids {
		content, err := s.Read(id, name)
		if err == nil {
			return id, content, nil
		}
	}
	return "", nil, fmt.Errorf("artifacts: no valid %s found in any cycle", name)
}

// Archive moves a completed cycle directory under cycles/history/.
func (s *Store) Archive(cycleID string) error {
	src := s.cycleDir(cycleID)
	dst := filepath.Join(s.historyDir(), cycleID)
	if err := os.MkdirAll(s.historyDir(), 0o755); err != nil {
		return fmt.Errorf("artifacts: mkdir history: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("artifacts: archive %s: %w", cycleID, err)
	}
	return nil
}

// NewCycleID mints a cycleId from the current UTC time; ids sort
// chronologically, so the newest cycle is always the lexicographic max.
func NewCycleID(now time.Time) string {
	return now.UTC().Format("20060102T150405.000Z")
}

// --- Memory files ---

// Memory files live at <agent>/memory.md, alongside, not inside, the
// cycles tree.
func (s *Store) memoryRoot() string { return filepath.Dir(s.root) }

func (s *Store) AgentMemoryPath(agent string) string {
	return filepath.Join(s.memoryRoot(), agent, "memory.md")
}

func (s *Store) SharedMemoryPath() string {
	return filepath.Join(s.memoryRoot(), "shared_memory.md")
}

// AppendAgentMemory appends text to the agent's memory file. Memory is
// append-only; nothing ever rewrites earlier entries.
func (s *Store) AppendAgentMemory(agent, text string) error {
	return appendAtomic(s.AgentMemoryPath(agent), text)
}

// ReadAgentMemory returns the full contents of the agent's memory file,
// or empty string if it doesn't exist yet.
func (s *Store) ReadAgentMemory(agent string) (string, error) {
	return readOrEmpty(s.AgentMemoryPath(agent))
}

// AppendSharedMemory appends text to the cross-cycle shared memory file.
func (s *Store) AppendSharedMemory(text string) error {
	return appendAtomic(s.SharedMemoryPath(), text)
}

// ReadSharedMemory returns the full contents of the shared memory file.
func (s *Store) ReadSharedMemory() (string, error) {
	return readOrEmpty(s.SharedMemoryPath())
}

func appendAtomic(path, text string) error {
	existing, err := readOrEmpty(path)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(existing)
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		sb.WriteString("\n")
	}
	return atomicio.WriteFile(path, []byte(sb.String()), 0o644)
}

func readOrEmpty(path string) (string, error) {
	if !atomicio.Exists(path) {
		return "", nil
	}
	raw, err := atomicio.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("artifacts: read %s: %w", path, err)
	}
	return string(raw), nil
}
