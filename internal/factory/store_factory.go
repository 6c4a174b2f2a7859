package factory

import (
	"Flownix/internal/config"
	"Flownix/internal/model"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrUnknownStoreType is returned by Create for an unregistered storage type.
var ErrUnknownStoreType = errors.New("unknown storage type")

// StoreFactory opens a store. withSender selects the receiver table layout,
// which prefixes every row with the sender identity.
type StoreFactory func(cfg config.StorageConfig, withSender bool, log logrus.FieldLogger) (model.Store, error)

// registry holds the mapping of storage types to their factory functions.
var registry = make(map[string]StoreFactory)

// RegisterStore registers a new storage type with its factory function.
func RegisterStore(name string, factory StoreFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("storage type '%s' already registered", name))
	}
	registry[name] = factory
}

// Create opens the store named by cfg.Type.
func Create(cfg config.StorageConfig, withSender bool, log logrus.FieldLogger) (model.Store, error) {
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownStoreType, cfg.Type)
	}
	log.Infof("Opening '%s' storage for table '%s'", cfg.Type, cfg.Table)

	store, err := factory(cfg, withSender, log)
	if err != nil {
		return nil, fmt.Errorf("error creating storage type '%s': %w", cfg.Type, err)
	}
	return store, nil
}
