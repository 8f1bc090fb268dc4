// Package db opens the daemon's database as a writer/reader pool keyed
// off the configured dialect.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/13ty/agor-sub000/internal/common/config"
)

// Open builds a Pool from the database configuration.
func Open(cfg *config.DatabaseConfig) (*Pool, error) {
	switch cfg.ResolvedDialect() {
	case "postgres":
		return openPostgres(cfg.URL, cfg.MaxConns)

	case "sqlite":
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		return OpenSQLiteFile(path)

	default:
		return nil, fmt.Errorf("unsupported database dialect %q", cfg.Dialect)
	}
}

// expandHome resolves a leading ~ against the current user's home.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
