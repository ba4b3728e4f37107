package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/state"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a value has never been persisted.
var ErrNotFound = errors.New("not found")

// persisted is the on-disk layout of the state file.
type persisted struct {
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Store keeps network credentials and the device identifier in a JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a store backed by the file at path. The file is created on first save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (persisted, error) {
	var p persisted
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	return p, nil
}

func (s *Store) write(p persisted) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load returns the persisted credentials, or ErrNotFound if none were saved.
func (s *Store) Load() (state.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read()
	if err != nil {
		return state.Credentials{}, err
	}
	if p.SSID == "" {
		return state.Credentials{}, ErrNotFound
	}
	return state.Credentials{SSID: p.SSID, Password: p.Password}, nil
}

// Save persists creds, keeping the device identifier.
func (s *Store) Save(creds state.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read()
	if err != nil {
		logger.Warn("Store: Existing state file unreadable, overwriting: %v", err)
	}
	p.SSID = creds.SSID
	p.Password = creds.Password
	if err := s.write(p); err != nil {
		return err
	}
	logger.Info("Store: Saved network credentials for SSID '%s' to '%s'.", creds.SSID, s.path)
	return nil
}

// LoadDeviceID returns the persisted device identifier, or ErrNotFound.
func (s *Store) LoadDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read()
	if err != nil {
		return "", err
	}
	if p.DeviceID == "" {
		return "", ErrNotFound
	}
	return p.DeviceID, nil
}

// SaveDeviceID persists id, keeping the credentials.
func (s *Store) SaveDeviceID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read()
	if err != nil {
		logger.Warn("Store: Existing state file unreadable, overwriting: %v", err)
	}
	p.DeviceID = id
	return s.write(p)
}

// EnsureDeviceID returns the persisted device identifier, generating and saving a
// random one on first use.
func (s *Store) EnsureDeviceID() (string, error) {
	id, err := s.LoadDeviceID()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := s.SaveDeviceID(id); err != nil {
		return "", err
	}
	logger.Info("Store: Generated new device id %s.", id)
	return id, nil
}
