package persist

import (
	"fmt"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeBolt, "":
		return NewBoltStoreFromConfig(config)

	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
