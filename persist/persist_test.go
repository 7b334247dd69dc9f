package persist_test

import (
	"path/filepath"
	"testing"

	"mason/persist"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")

	s, err := persist.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	m := s.Lookup("delta.Checker")
	m["/tmp/a"] = map[string]any{"hash": "abc", "version": float64(1)}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	s2, err := persist.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	got := s2.Lookup("delta.Checker")
	if got["/tmp/a"] == nil {
		t.Fatalf("round trip lost entry: %v", got)
	}
}

func TestLookupCreatesEmptyMap(t *testing.T) {
	dir := t.TempDir()
	s, err := persist.Open(filepath.Join(dir, "journal.json"))
	if err != nil {
		t.Fatal(err)
	}
	m := s.Lookup("fresh.Type")
	if m == nil || len(m) != 0 {
		t.Fatalf("Lookup on unseen type = %v, want empty map", m)
	}
}

func TestPruneRemovesEmptySubmaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")
	s, err := persist.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Lookup("empty.Type")
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	s2, err := persist.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.Lookup("empty.Type")["anything"]; ok {
		t.Fatal("expected pruned empty submap to come back empty")
	}
}
