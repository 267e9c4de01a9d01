package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/internal/storage/implementations/file"
	"github.com/inferloop/fldp/internal/storage/implementations/s3"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// Store types.
const (
	StoreTypeFile = "file"
	StoreTypeS3   = "s3"
)

// UpdateStore holds update envelopes waiting to be privatized and receives
// the privatized results.
type UpdateStore interface {
	// Connect prepares the backing store
	Connect(ctx context.Context) error

	// List returns the keys of pending envelopes in ascending order
	List(ctx context.Context) ([]string, error)

	// Load reads a pending envelope by key
	Load(ctx context.Context, key string) (*models.UpdateEnvelope, error)

	// Save writes a privatized envelope and returns its key
	Save(ctx context.Context, env *models.UpdateEnvelope) (string, error)

	// Complete marks a pending envelope as consumed
	Complete(ctx context.Context, key string) error

	// Fail marks a pending envelope as rejected
	Fail(ctx context.Context, key string) error

	Close() error
}

// Config selects and configures an update store.
type Config struct {
	Type string       `json:"type" yaml:"type" mapstructure:"type"`
	File *file.Config `json:"file,omitempty" yaml:"file,omitempty" mapstructure:"file"`
	S3   *s3.Config   `json:"s3,omitempty" yaml:"s3,omitempty" mapstructure:"s3"`
}

// CreateFunc builds a store from its configuration.
type CreateFunc func(config *Config) (UpdateStore, error)

// Factory creates update stores by type.
type Factory struct {
	creators map[string]CreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a factory with the file and s3 stores registered.
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]CreateFunc),
		logger:   logger,
	}
	factory.registerDefaults()

	return factory
}

// CreateStore creates a store of the configured type without connecting it.
func (f *Factory) CreateStore(config *Config) (UpdateStore, error) {
	if config == nil {
		return nil, errors.NewConfigurationError("INVALID_CONFIG", "store config cannot be nil")
	}

	f.mu.RLock()
	createFunc, exists := f.creators[config.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewConfigurationError("UNSUPPORTED_TYPE", fmt.Sprintf("Store type '%s' is not supported", config.Type))
	}

	store, err := createFunc(config)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "CREATION_FAILED", fmt.Sprintf("Failed to create %s store", config.Type))
	}

	f.logger.WithField("store_type", config.Type).Debug("Created update store")
	return store, nil
}

// Open creates and connects a store.
func (f *Factory) Open(ctx context.Context, config *Config) (UpdateStore, error) {
	store, err := f.CreateStore(config)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// RegisterStore registers a store type.
func (f *Factory) RegisterStore(storeType string, createFunc CreateFunc) error {
	if storeType == "" {
		return errors.NewValidationError("INVALID_TYPE", "Store type cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError("INVALID_CREATOR", "Store create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[storeType] = createFunc

	return nil
}

// GetSupportedTypes returns the registered store types in ascending order.
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for storeType := range f.creators {
		types = append(types, storeType)
	}
	sort.Strings(types)
	return types
}

// IsSupported checks if a store type is registered.
func (f *Factory) IsSupported(storeType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.creators[storeType]
	return exists
}

func (f *Factory) registerDefaults() {
	f.RegisterStore(StoreTypeFile, func(config *Config) (UpdateStore, error) {
		if config.File == nil {
			return nil, errors.NewConfigurationError("INVALID_CONFIG", "file store section is required")
		}
		return file.NewStore(config.File, f.logger)
	})

	f.RegisterStore(StoreTypeS3, func(config *Config) (UpdateStore, error) {
		if config.S3 == nil {
			return nil, errors.NewConfigurationError("INVALID_CONFIG", "s3 store section is required")
		}
		return s3.NewStore(config.S3, f.logger)
	})
}
