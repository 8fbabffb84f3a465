package jsonconfig

import (
	"testing"

	"github.com/spf13/afero"
)

func TestDelayedWriteDoesNotFlushImmediately(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDelayed(store, 0, nil)
	d.Data().Name = "outline"
	if err := d.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if exists, _ := afero.Exists(fs, "/state/doc.json"); exists {
		t.Error("expected no file to exist before a flush")
	}
}

func TestDelayedWriteNowFlushes(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDelayed(store, 0, nil)
	d.Data().Name = "outline"
	if err := d.Write(); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteNow(); err != nil {
		t.Fatalf("WriteNow() error = %v", err)
	}

	reloaded, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Data().Name; got != "outline" {
		t.Errorf("reloaded Name = %q, want outline", got)
	}
}

func TestDelayedFlushSkipsWhenNotDirty(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDelayed(store, 0, nil)
	d.flush()
	if exists, _ := afero.Exists(fs, "/state/doc.json"); exists {
		t.Error("expected flush with no pending write to be a no-op")
	}
}
