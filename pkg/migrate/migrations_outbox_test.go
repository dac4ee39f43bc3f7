package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration file matching %q", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestOutboxMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_outbox_records.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS outbox_records",
		"CHECK (status IN ('pending', 'claimed', 'sent', 'failed', 'dead_letter'))",
		"CHECK (attempt_count >= 0)",
		"CHECK (priority BETWEEN 0 AND 3)",
		"idx_outbox_records_claim",
		"DROP TABLE IF EXISTS outbox_records",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestSagaMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_saga_instances.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS saga_instances",
		"CHECK (status IN ('running', 'compensating', 'completed', 'compensated', 'failed'))",
		"version BIGINT NOT NULL DEFAULT 1",
		"DROP TABLE IF EXISTS saga_instances",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestAggregateVersionMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_aggregate_versions.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS aggregate_versions",
		"PRIMARY KEY (aggregate_type, aggregate_id)",
		"CHECK (version >= 1)",
		"DROP TABLE IF EXISTS aggregate_versions",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}
