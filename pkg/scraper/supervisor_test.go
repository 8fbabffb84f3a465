package scraper

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), nil))
}

func TestWriteConfigSortsJobNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, Options{
		ConfigPath: "/state/prometheus/config.yml",
		ScrapeTargets: map[string][]string{
			"zeta":  {"localhost:9001"},
			"alpha": {"localhost:9002"},
		},
	}, testLogger())

	if err := s.writeConfig(); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	b, err := afero.ReadFile(fs, "/state/prometheus/config.yml")
	if err != nil {
		t.Fatal(err)
	}
	var doc scrapeConfigDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.ScrapeConfigs) != 2 {
		t.Fatalf("got %d scrape configs, want 2", len(doc.ScrapeConfigs))
	}
	if doc.ScrapeConfigs[0].JobName != "alpha" || doc.ScrapeConfigs[1].JobName != "zeta" {
		t.Errorf("scrape configs not sorted: %+v", doc.ScrapeConfigs)
	}
}

func TestSupervisorMaxRestartIntervalDefault(t *testing.T) {
	s := New(afero.NewMemMapFs(), Options{}, testLogger())
	if s.opts.MaxRestartInterval != 30*time.Second {
		t.Errorf("default MaxRestartInterval = %v, want 30s", s.opts.MaxRestartInterval)
	}
}

func TestReconfigureNoopWhenNotRunning(t *testing.T) {
	s := New(afero.NewMemMapFs(), Options{}, testLogger())
	if err := s.Reconfigure(); err != nil {
		t.Errorf("Reconfigure() on a stopped supervisor error = %v, want nil", err)
	}
}

func TestStopNoopWhenNotRunning(t *testing.T) {
	s := New(afero.NewMemMapFs(), Options{}, testLogger())
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() on a stopped supervisor error = %v, want nil", err)
	}
}
