package workspace_test

import (
	"testing"

	"mason/workspace"
)

type fakeModule struct {
	key string
	ran *[]string
}

func (f *fakeModule) Key() string { return f.key }
func (f *fakeModule) Run(g *workspace.Graph) error {
	*f.ran = append(*f.ran, f.key)
	return g.Downstream()
}

func TestAddIsIdempotent(t *testing.T) {
	g := workspace.New()
	var ran []string
	m1, err := g.Add("a", func() workspace.Module { return &fakeModule{key: "a", ran: &ran} })
	if err != nil {
		t.Fatal(err)
	}
	m2, err := g.Add("a", func() workspace.Module { return &fakeModule{key: "a", ran: &ran} })
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("Add should return the same instance for a repeated key")
	}
}

func TestUsePreemptsDefaultConstructor(t *testing.T) {
	g := workspace.New()
	var ran []string
	if err := g.Use("a", func() workspace.Module { return &fakeModule{key: "a-custom", ran: &ran} }); err != nil {
		t.Fatal(err)
	}
	m, err := g.Add("a", func() workspace.Module { return &fakeModule{key: "a-default", ran: &ran} })
	if err != nil {
		t.Fatal(err)
	}
	if m.Key() != "a-custom" {
		t.Fatalf("Add key = %s, want a-custom", m.Key())
	}
}

func TestRunVisitsInRegistrationOrder(t *testing.T) {
	g := workspace.New()
	var ran []string
	if _, err := g.Add("a", func() workspace.Module { return &fakeModule{key: "a", ran: &ran} }); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Add("b", func() workspace.Module { return &fakeModule{key: "b", ran: &ran} }); err != nil {
		t.Fatal(err)
	}
	if err := g.Run(); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("run order = %v, want [a b]", ran)
	}
}

func TestCloseDetectsCycle(t *testing.T) {
	g := workspace.New()
	var ran []string
	g.Add("a", func() workspace.Module { return &fakeModule{key: "a", ran: &ran} })
	g.Add("b", func() workspace.Module { return &fakeModule{key: "b", ran: &ran} })
	g.DependsOn("a", "b")
	g.DependsOn("b", "a")
	if err := g.Close(); err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestAppendRunsAfterAllModules(t *testing.T) {
	g := workspace.New()
	var ran []string
	g.Add("a", func() workspace.Module { return &fakeModule{key: "a", ran: &ran} })
	g.Append(func() error {
		ran = append(ran, "append")
		return nil
	})
	if err := g.Run(); err != nil {
		t.Fatal(err)
	}
	if ran[len(ran)-1] != "append" {
		t.Fatalf("append hook did not run last: %v", ran)
	}
}
