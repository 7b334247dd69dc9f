package main

import (
	"os"
	"path/filepath"
	"testing"

	"mason/pathset"
)

func TestDiscoverUnitsClassifiesMainCpp(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("main.cpp", "int main() {}")
	write("helper.cpp", "void helper() {}")
	write("sub/other.cpp", "void other() {}")
	write("sub/main.cpp", "int main() {}")

	mains, others, err := discoverUnits(pathset.MustNew(dir))
	if err != nil {
		t.Fatal(err)
	}
	if len(mains) != 2 {
		t.Fatalf("mains = %v, want 2 main.cpp files", mains)
	}
	for _, m := range mains {
		if m.GetName() != "main.cpp" {
			t.Fatalf("mains contains non-main.cpp entry: %s", m)
		}
	}
	if len(others) != 2 {
		t.Fatalf("others = %v, want 2 non-main .cpp files", others)
	}
}

func TestDiscoverUnitsNoSources(t *testing.T) {
	dir := t.TempDir()
	mains, others, err := discoverUnits(pathset.MustNew(dir))
	if err != nil {
		t.Fatal(err)
	}
	if len(mains) != 0 || len(others) != 0 {
		t.Fatalf("discoverUnits on empty tree = mains=%v others=%v, want both empty", mains, others)
	}
}
