package settings

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store for the configured backend. The closer is a no-op
// for the file backend.
func Open(ctx context.Context, backend, path string) (Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(path), io.NopCloser(nil), nil
	case BackendSQLite:
		store, err := OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown settings backend %q", backend)
	}
}
