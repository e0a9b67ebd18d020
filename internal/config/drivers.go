package config

import (
	"conveyor/journal"
	"conveyor/sink/postgres"
	"conveyor/source/csvfile"
)

// Loader entrypoints for the per-driver configs, centralized under
// internal/config the same way the pipeline spec loader is.

func LoadJournalConfig(path string) (journal.Config, error) {
	return journal.LoadConfig(path)
}

func LoadCSVFileConfig(path string) (csvfile.Config, error) {
	return csvfile.LoadConfig(path)
}

func LoadPostgresConfig(path string) (postgres.Config, error) {
	return postgres.LoadConfig(path)
}
