package storage

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	logx "timerd/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"memory":  func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":    openFile,
	"sqlite":  openSQLite,
	"mem":     func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or (nil, nil) when the driver is
// empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	open, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (have %s)", driver, strings.Join(slices.Sorted(maps.Keys(drivers)), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}

// newID assigns timer ids.
func newID() string { return uuid.NewString() }
