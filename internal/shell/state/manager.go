package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Snapshot Types
// =============================================================================

// Snapshot is one persisted phase state: a payload plus enough metadata to
// detect corruption and order history.
type Snapshot struct {
	PhaseID   string          `json:"phase_id"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"` // SHA-256 of payload
	VersionID string          `json:"version_id"`
	SavedAt   time.Time       `json:"saved_at"`
	Size      int64           `json:"size"`
}

// SaveResult reports the outcome of a save.
type SaveResult struct {
	SavedAt   time.Time `json:"saved_at"`
	Checksum  string    `json:"checksum"`
	VersionID string    `json:"version_id"`
	Size      int64     `json:"size"`
}

// SnapshotInfo is the history-listing view of a snapshot.
type SnapshotInfo struct {
	VersionID string    `json:"version_id"`
	SavedAt   time.Time `json:"saved_at"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
}

// LoadOptions controls how a phase state is read.
type LoadOptions struct {
	// FromCache returns the in-memory copy if one exists. The cache is
	// refreshed on every save.
	FromCache bool

	// Validate recomputes the payload checksum and fails on mismatch.
	Validate bool

	// ValidateSchema additionally checks the payload against the phase's
	// registered schema.
	ValidateSchema bool
}

// =============================================================================
// Manager
// =============================================================================

// currentFileName is the "current" slot inside each phase directory.
const currentFileName = "current-state.json"

// lockFileName is the cross-process advisory lock inside each phase directory.
const lockFileName = ".lock"

// Config configures the state manager.
type Config struct {
	// Root is the base directory: <root>/<phase>/current-state.json.
	Root string

	// MaxHistoryItems bounds the per-phase history. Default: 10.
	MaxHistoryItems int

	// LockTimeout bounds the wait for the advisory file lock. Default: 2s.
	LockTimeout time.Duration
}

// Manager persists phase state under an exclusive per-phase writer lock.
// Reads never block on the writer lock; within one process a phase has at
// most one active writer, so last-writer-wins is acceptable. The file lock
// is only a cross-process safety net.
type Manager struct {
	root        string
	maxHistory  int
	lockTimeout time.Duration
	logger      *slog.Logger
	schemas     *SchemaRegistry

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*Snapshot
}

// NewManager creates a state manager rooted at config.Root.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if config.Root == "" {
		return nil, newStateError("NewManager", "", fmt.Errorf("state root is required"))
	}
	if config.MaxHistoryItems <= 0 {
		config.MaxHistoryItems = 10
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, newStateError("NewManager", "", err)
	}

	return &Manager{
		root:        config.Root,
		maxHistory:  config.MaxHistoryItems,
		lockTimeout: config.LockTimeout,
		logger:      logger.With("component", "state_manager"),
		schemas:     NewSchemaRegistry(),
		locks:       make(map[string]*sync.Mutex),
		cache:       make(map[string]*Snapshot),
	}, nil
}

// RegisterSchema attaches a JSON Schema to a phase; subsequent saves validate
// against it.
func (m *Manager) RegisterSchema(phaseID string, schemaJSON []byte) error {
	return m.schemas.Register(phaseID, schemaJSON)
}

// =============================================================================
// Save
// =============================================================================

// Save validates, checksums and atomically writes a payload to the phase's
// current slot, then appends a copy to the bounded history.
func (m *Manager) Save(ctx context.Context, phaseID string, payload []byte) (*SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.schemas.Validate(phaseID, payload); err != nil {
		return nil, err
	}

	lock := m.phaseLock(phaseID)
	lock.Lock()
	defer lock.Unlock()

	dir := m.phaseDir(phaseID)
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o755); err != nil {
		return nil, newStateError("SaveState", phaseID, err)
	}

	release, err := m.acquireFileLock(dir)
	if err != nil {
		return nil, newStateError("SaveState", phaseID, err)
	}
	defer release()

	sum := sha256.Sum256(payload)
	snapshot := &Snapshot{
		PhaseID:   phaseID,
		Payload:   json.RawMessage(append([]byte{}, payload...)),
		Checksum:  hex.EncodeToString(sum[:]),
		VersionID: uuid.New().String(),
		SavedAt:   time.Now().UTC(),
		Size:      int64(len(payload)),
	}

	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, newStateError("SaveState", phaseID, err)
	}

	// Current slot: write-to-temp then rename, so readers only ever see a
	// complete file.
	if err := atomicWrite(filepath.Join(dir, currentFileName), encoded); err != nil {
		return nil, newStateError("SaveState", phaseID, err)
	}

	// History copy, then evict past the bound.
	historyPath := filepath.Join(dir, "history", historyFileName(snapshot))
	if err := atomicWrite(historyPath, encoded); err != nil {
		return nil, newStateError("SaveState", phaseID, err)
	}
	if err := m.evictHistory(dir); err != nil {
		m.logger.Warn("history eviction failed", "phase", phaseID, "error", err)
	}

	m.cacheMu.Lock()
	m.cache[phaseID] = snapshot
	m.cacheMu.Unlock()

	m.logger.Debug("state saved",
		"phase", phaseID,
		"version", snapshot.VersionID,
		"size", snapshot.Size,
	)

	return &SaveResult{
		SavedAt:   snapshot.SavedAt,
		Checksum:  snapshot.Checksum,
		VersionID: snapshot.VersionID,
		Size:      snapshot.Size,
	}, nil
}

// =============================================================================
// Load
// =============================================================================

// Load reads the current state of a phase. A phase with no saved state
// returns ErrNoState.
func (m *Manager) Load(ctx context.Context, phaseID string, opts LoadOptions) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.FromCache {
		m.cacheMu.RLock()
		cached, ok := m.cache[phaseID]
		m.cacheMu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	snapshot, err := m.readSnapshot(filepath.Join(m.phaseDir(phaseID), currentFileName), phaseID, opts.Validate)
	if err != nil {
		return nil, err
	}

	if opts.ValidateSchema {
		if err := m.schemas.Validate(phaseID, snapshot.Payload); err != nil {
			return nil, err
		}
	}

	m.cacheMu.Lock()
	m.cache[phaseID] = snapshot
	m.cacheMu.Unlock()

	return snapshot, nil
}

// LoadLatestValid returns the current state, falling back to the newest
// checksum-valid history entry when the current slot is corrupted.
func (m *Manager) LoadLatestValid(ctx context.Context, phaseID string) (*Snapshot, error) {
	snapshot, err := m.Load(ctx, phaseID, LoadOptions{Validate: true})
	if err == nil {
		return snapshot, nil
	}
	if !isCorrupted(err) {
		return nil, err
	}

	m.logger.Warn("current state corrupted, falling back to history", "phase", phaseID)

	files, dirErr := m.historyFiles(phaseID)
	if dirErr != nil {
		return nil, err
	}
	// Newest first.
	for i := len(files) - 1; i >= 0; i-- {
		candidate, readErr := m.readSnapshot(files[i], phaseID, true)
		if readErr == nil {
			return candidate, nil
		}
	}
	return nil, err
}

func isCorrupted(err error) bool {
	return errors.Is(err, ErrCorruptedState)
}

// readSnapshot reads and decodes one snapshot file, optionally verifying the
// payload checksum.
func (m *Manager) readSnapshot(path, phaseID string, validate bool) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newStateError("LoadState", phaseID, ErrNoState)
		}
		return nil, newStateError("LoadState", phaseID, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// An undecodable file is corruption, not a format error.
		return nil, newStateError("LoadState", phaseID, fmt.Errorf("%w: %v", ErrCorruptedState, err))
	}

	if validate {
		sum := sha256.Sum256(snapshot.Payload)
		if hex.EncodeToString(sum[:]) != snapshot.Checksum {
			return nil, newStateError("LoadState", phaseID, ErrCorruptedState)
		}
	}

	return &snapshot, nil
}

// =============================================================================
// History
// =============================================================================

// History returns snapshot metadata reverse-chronologically. limit <= 0
// returns everything. Unreadable entries are skipped, not fatal.
func (m *Manager) History(ctx context.Context, phaseID string, limit int) ([]SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := m.historyFiles(phaseID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newStateError("GetStateHistory", phaseID, err)
	}

	var infos []SnapshotInfo
	for i := len(files) - 1; i >= 0; i-- {
		if limit > 0 && len(infos) >= limit {
			break
		}
		snapshot, err := m.readSnapshot(files[i], phaseID, false)
		if err != nil {
			m.logger.Warn("skipping unreadable history entry", "phase", phaseID, "file", files[i])
			continue
		}
		infos = append(infos, SnapshotInfo{
			VersionID: snapshot.VersionID,
			SavedAt:   snapshot.SavedAt,
			Checksum:  snapshot.Checksum,
			Size:      snapshot.Size,
		})
	}
	return infos, nil
}

// historyFiles lists history file paths sorted oldest to newest. File names
// embed a zero-padded timestamp, so lexical order is chronological.
func (m *Manager) historyFiles(phaseID string) ([]string, error) {
	dir := filepath.Join(m.phaseDir(phaseID), "history")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "state-") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// evictHistory removes the oldest entries past the history bound.
func (m *Manager) evictHistory(phaseDir string) error {
	dir := filepath.Join(phaseDir, "history")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= m.maxHistory {
		return nil
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-m.maxHistory] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Clear
// =============================================================================

// Clear deletes the current state and history for one phase. Destructive;
// gated by the orchestrator layer, never invoked implicitly.
func (m *Manager) Clear(ctx context.Context, phaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := m.phaseLock(phaseID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(m.phaseDir(phaseID)); err != nil {
		return newStateError("ClearState", phaseID, err)
	}

	m.cacheMu.Lock()
	delete(m.cache, phaseID)
	m.cacheMu.Unlock()

	m.logger.Info("state cleared", "phase", phaseID)
	return nil
}

// ClearAll deletes the state of every phase under the root.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return newStateError("ClearAllState", "", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return newStateError("ClearAllState", e.Name(), err)
		}
	}

	m.cacheMu.Lock()
	m.cache = make(map[string]*Snapshot)
	m.cacheMu.Unlock()

	m.logger.Info("all state cleared")
	return nil
}

// =============================================================================
// Locking
// =============================================================================

// phaseLock returns the in-process writer mutex for a phase, creating it on
// first use.
func (m *Manager) phaseLock(phaseID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[phaseID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[phaseID] = lock
	}
	return lock
}

// acquireFileLock takes the cross-process advisory lock for a phase
// directory. It retries until the timeout, then fails with ErrLockHeld.
func (m *Manager) acquireFileLock(phaseDir string) (func(), error) {
	path := filepath.Join(phaseDir, lockFileName)
	deadline := time.Now().Add(m.lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// =============================================================================
// Paths
// =============================================================================

func (m *Manager) phaseDir(phaseID string) string {
	return filepath.Join(m.root, sanitizePhaseID(phaseID))
}

// historyFileName builds a chronologically sortable history file name.
func historyFileName(s *Snapshot) string {
	return fmt.Sprintf("state-%013d-%s.json", s.SavedAt.UnixMilli(), shortID(s.VersionID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sanitizePhaseID makes a phase id safe as a directory name.
func sanitizePhaseID(phaseID string) string {
	unsafe := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := phaseID
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	return strings.Trim(result, "_")
}

// atomicWrite writes data to a temp file in the target directory and renames
// it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-state-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
