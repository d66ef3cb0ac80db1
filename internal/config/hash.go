package config

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// fingerprint identifies a decoded config so a save that only touched
// comments or formatting does not trigger a reload. Zero means "unknown"
// and never matches.
type fingerprint uint64

func fingerprintOf(cfg *Config) fingerprint {
	if cfg == nil {
		return 0
	}
	// Field order is fixed by the struct, so the encoding is stable.
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return fingerprint(xxhash.Sum64(b))
}

func (f fingerprint) same(other fingerprint) bool { return f != 0 && f == other }
