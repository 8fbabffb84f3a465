package jsonconfig

import (
	"testing"

	"github.com/spf13/afero"
)

type parentDoc struct {
	Rollouts map[string]bool `json:"rollouts"`
	Name     string          `json:"name"`
}

func TestChildWriteDelegatesToParent(t *testing.T) {
	fs := afero.NewMemMapFs()
	parent, err := Load[parentDoc](fs, "/state/parent.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	parent.Data().Rollouts = map[string]bool{}

	child := NewChild(parent, func() *map[string]bool { return &parent.Data().Rollouts })
	child.Data()["experiment-a"] = true

	if err := child.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reloaded, err := Load[parentDoc](fs, "/state/parent.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Data().Rollouts["experiment-a"] {
		t.Error("expected child mutation to be persisted through parent")
	}
}

func TestChildSharesDelayedParentCoalescing(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := Load[parentDoc](fs, "/state/parent.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	delayed := NewDelayed(store, 0, nil)
	child := NewChild[string](delayed, func() *string { return &delayed.Data().Name })

	*child.Data() = "outline"
	if err := child.Write(); err != nil {
		t.Fatal(err)
	}

	if exists, _ := afero.Exists(fs, "/state/parent.json"); exists {
		t.Error("expected child write through a Delayed parent to coalesce, not flush immediately")
	}
	if err := delayed.WriteNow(); err != nil {
		t.Fatal(err)
	}
	reloaded, err := Load[parentDoc](fs, "/state/parent.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Data().Name != "outline" {
		t.Errorf("Name = %q, want outline", reloaded.Data().Name)
	}
}
