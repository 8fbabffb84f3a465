package jsonconfig

import (
	"testing"

	"github.com/spf13/afero"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestLoadMissingFileYieldsZeroValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := *s.Data(); got != (testDoc{}) {
		t.Errorf("Data() = %+v, want zero value", got)
	}
}

func TestLoadMalformedJSONYieldsZeroValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/state/doc.json", []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := *s.Data(); got != (testDoc{}) {
		t.Errorf("Data() = %+v, want zero value", got)
	}
}

func TestWriteThenLoadRoundtrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Data().Name = "outline"
	s.Data().Count = 3
	if err := s.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reloaded, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := testDoc{Name: "outline", Count: 3}
	if got := *reloaded.Data(); got != want {
		t.Errorf("reloaded Data() = %+v, want %+v", got, want)
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Load[testDoc](fs, "/state/doc.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Data().Name = "outline"
	if err := s.Write(); err != nil {
		t.Fatal(err)
	}

	entries, err := afero.ReadDir(fs, "/state")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "doc.json" {
		t.Errorf("directory contents = %v, want only doc.json", entries)
	}
}
