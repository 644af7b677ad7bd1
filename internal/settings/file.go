package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	fileStoreVersion = 1
	settingsFileMode = 0600
	settingsDirMode  = 0755
)

type fileData struct {
	Version   int              `json:"version"`
	Mode      Mode             `json:"approval_mode"`
	Whitelist []WhitelistEntry `json:"whitelist"`
}

// FileStore keeps settings in a single JSON document.
type FileStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads persisted settings. A missing file yields defaults.
func (s *FileStore) Load(_ context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Mode:      data.Mode,
		Whitelist: append([]WhitelistEntry(nil), data.Whitelist...),
	}, nil
}

// SetMode persists a new approval mode.
func (s *FileStore) SetMode(_ context.Context, mode Mode) error {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	data.Mode = parsed
	return s.saveLocked(data)
}

// AddWhitelistEntry appends an entry unless the identifier is already present.
func (s *FileStore) AddWhitelistEntry(_ context.Context, serverName, toolName string) (WhitelistEntry, error) {
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return WhitelistEntry{}, fmt.Errorf("tool_name is required")
	}
	entry := WhitelistEntry{
		ServerName: strings.TrimSpace(serverName),
		ToolName:   toolName,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return WhitelistEntry{}, err
	}
	for _, existing := range data.Whitelist {
		if strings.EqualFold(existing.Identifier(), entry.Identifier()) {
			return existing, nil
		}
	}

	entry.ID = uuid.NewString()
	entry.CreatedAt = s.now().UTC()
	data.Whitelist = append(data.Whitelist, entry)
	if err := s.saveLocked(data); err != nil {
		return WhitelistEntry{}, err
	}
	return entry, nil
}

// RemoveWhitelistEntry deletes the entry with the given id.
func (s *FileStore) RemoveWhitelistEntry(_ context.Context, id string) error {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	for i, entry := range data.Whitelist {
		if entry.ID != id {
			continue
		}
		data.Whitelist = append(data.Whitelist[:i], data.Whitelist[i+1:]...)
		return s.saveLocked(data)
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

func (s *FileStore) loadLocked() (fileData, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return normalizeFileData(fileData{}), nil
		}
		return fileData{}, fmt.Errorf("read settings store: %w", err)
	}

	var parsed fileData
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fileData{}, fmt.Errorf("parse settings store: %w", err)
	}
	return normalizeFileData(parsed), nil
}

func (s *FileStore) saveLocked(data fileData) error {
	encoded, err := json.MarshalIndent(normalizeFileData(data), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, settingsDirMode); err != nil {
		return fmt.Errorf("create settings store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "settings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp settings store: %w", err)
	}
	if err := tmpFile.Chmod(settingsFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp settings store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp settings store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("replace settings store: rename failed (%v), remove failed (%v)", err, removeErr)
		}
		if retryErr := os.Rename(tmpPath, s.path); retryErr != nil {
			return fmt.Errorf("replace settings store after remove: %w", retryErr)
		}
	}
	return nil
}

func normalizeFileData(data fileData) fileData {
	if data.Version <= 0 {
		data.Version = fileStoreVersion
	}
	data.Mode = normalizeMode(data.Mode)
	if data.Whitelist == nil {
		data.Whitelist = []WhitelistEntry{}
	}
	return data
}
