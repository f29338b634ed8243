package db

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

// Open returns a store for the named backend rooted at dataDir.
func Open(logger *zap.Logger, backendName string, dataDir string) (*KeyedStore, error) {
	switch backendName {
	case BackendBadger, "":
		return OpenBadger(logger, dataDir)
	case BackendPebble:
		return OpenPebble(logger, dataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backendName)
	}
}
