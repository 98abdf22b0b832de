package config

import (
	"fmt"

	"github.com/kilianp07/powerguard/core/journal"
)

// JournalConfig defines the mitigation journal storage and rotation.
type JournalConfig struct {
	// Backend selects the store type: "jsonl", "rotating", "sqlite" or "none".
	Backend string `json:"backend"`
	// Path is the file location of the journal.
	Path string `json:"path"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days"`
}

// SetDefaults applies sane defaults.
func (c *JournalConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "rotating"
	}
	if c.Path == "" {
		c.Path = "mitigations.jsonl"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 10
	}
}

// Validate checks mandatory fields.
func (c JournalConfig) Validate() error {
	switch c.Backend {
	case "jsonl", "rotating", "sqlite", "none":
	default:
		return fmt.Errorf("unknown journal backend %s", c.Backend)
	}
	if c.Backend != "none" && c.Path == "" {
		return fmt.Errorf("journal path is required")
	}
	return nil
}

// Open creates the configured journal store.
func (c JournalConfig) Open() (journal.Store, error) {
	switch c.Backend {
	case "jsonl":
		return journal.NewJSONLStore(c.Path)
	case "rotating":
		return journal.NewRotatingJSONLStore(c.Path, c.MaxSizeMB, c.MaxBackups, c.MaxAgeDays)
	case "sqlite":
		return journal.NewSQLiteStore(c.Path)
	}
	return journal.Nop{}, nil
}
