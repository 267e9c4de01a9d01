package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/utils/encoding"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// Folder names under the base path.
const (
	FolderIncoming  = "incoming"
	FolderOutgoing  = "outgoing"
	FolderProcessed = "processed"
	FolderFailed    = "failed"
)

// Config configures a directory-backed update store.
type Config struct {
	BasePath    string `json:"base_path" mapstructure:"base_path"`
	Compression bool   `json:"compression" mapstructure:"compression"`
	CreateDirs  bool   `json:"create_dirs" mapstructure:"create_dirs"`
}

// Store keeps envelopes as files. Pending updates are read from incoming/,
// privatized ones are written to outgoing/ and consumed inputs move to
// processed/ or failed/.
type Store struct {
	config    *Config
	logger    *logrus.Logger
	mu        sync.Mutex
	connected bool
}

// NewStore creates a file store.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		return nil, errors.NewValidationError("INVALID_CONFIG", "file store config cannot be nil")
	}
	if config.BasePath == "" {
		return nil, errors.NewValidationError("INVALID_CONFIG", "BasePath is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Store{config: config, logger: logger}, nil
}

// Connect prepares the folder layout.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	if s.config.CreateDirs {
		for _, folder := range []string{FolderIncoming, FolderOutgoing, FolderProcessed, FolderFailed} {
			dir := filepath.Join(s.config.BasePath, folder)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.WrapError(err, errors.ErrorTypeStorage, "DIRECTORY_CREATION_FAILED",
					fmt.Sprintf("Failed to create directory: %s", dir))
			}
		}
	}

	if _, err := os.Stat(s.config.BasePath); os.IsNotExist(err) {
		return errors.NewStorageError("PATH_NOT_FOUND", fmt.Sprintf("Base path does not exist: %s", s.config.BasePath))
	}

	s.connected = true
	s.logger.WithField("base_path", s.config.BasePath).Info("File update store ready")
	return nil
}

// List returns the names of pending envelopes in ascending order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.path(FolderIncoming, ""))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list incoming updates")
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !encoding.IsEnvelopeName(entry.Name()) {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Load reads a pending envelope.
func (s *Store) Load(ctx context.Context, key string) (*models.UpdateEnvelope, error) {
	data, err := os.ReadFile(s.path(FolderIncoming, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeDataNotFound, fmt.Sprintf("Update %s not found", key))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, fmt.Sprintf("Failed to read update %s", key))
	}

	env, err := encoding.DecodeEnvelope(data)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, fmt.Sprintf("Malformed update %s", key))
	}
	if env.ID == "" {
		env.ID = encoding.TrimExtension(key)
	}
	return env, nil
}

// Save writes a privatized envelope to outgoing/ and returns its name.
func (s *Store) Save(ctx context.Context, env *models.UpdateEnvelope) (string, error) {
	if env == nil || env.ID == "" {
		return "", errors.NewValidationError(errors.CodeMissingField, "envelope id is required")
	}

	data, err := encoding.EncodeEnvelope(env, s.config.Compression)
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to encode update")
	}

	name := s.generateName(env.ID)
	target := s.path(FolderOutgoing, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, fmt.Sprintf("Failed to write update %s", name))
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, fmt.Sprintf("Failed to write update %s", name))
	}

	s.logger.WithFields(logrus.Fields{
		"update_id": env.ID,
		"path":      target,
		"bytes":     len(data),
	}).Debug("Saved privatized update")

	return name, nil
}

// Complete moves a consumed envelope to processed/.
func (s *Store) Complete(ctx context.Context, key string) error {
	return s.move(key, FolderProcessed)
}

// Fail moves an envelope that could not be privatized to failed/.
func (s *Store) Fail(ctx context.Context, key string) error {
	return s.move(key, FolderFailed)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Store) move(key, folder string) error {
	if err := os.Rename(s.path(FolderIncoming, key), s.path(folder, key)); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("Failed to move update %s to %s", key, folder))
	}
	return nil
}

func (s *Store) generateName(id string) string {
	return id + encoding.Extension(s.config.Compression)
}

func (s *Store) path(folder, name string) string {
	return filepath.Join(s.config.BasePath, folder, filepath.Base(name))
}
