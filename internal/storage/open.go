package storage

import (
	"strings"

	logx "feedwatch/pkg/logx"
)

// Open initializes the SQLite store and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrNoPath
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
