package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"replicator_2024-01-01.log",
		"replicator_2024-01-02.log",
		"replicator_2024-01-03.log",
		"other_2024-01-01.log",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	cleanOldLogs(dir, "replicator", 2)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Name()] = true
	}
	if got["replicator_2024-01-01.log"] {
		t.Error("oldest log not removed")
	}
	for _, keep := range []string{"replicator_2024-01-02.log", "replicator_2024-01-03.log", "other_2024-01-01.log"} {
		if !got[keep] {
			t.Errorf("%s removed", keep)
		}
	}
}

func TestInitLoggerWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	if err := InitLogger("unit", LogConfig{Level: "debug", Directory: dir}); err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "unit_*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v", matches)
	}

	if err := InitLogger("unit", LogConfig{Level: "info"}); err != nil {
		t.Fatalf("console-only InitLogger: %v", err)
	}
}
