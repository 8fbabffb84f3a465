// Package scraper supervises the colocated metrics-scraper child process
// and provides a client for querying it (spec.md §4.6, component C6). The
// scraper is treated as an opaque time-series database that polls the
// proxy's counter endpoints and answers instant/range PromQL queries.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Jigsaw-Code/shadowbox/internal/telemetry"
)

type scrapeConfigDocument struct {
	Global struct {
		ScrapeInterval string `yaml:"scrape_interval"`
	} `yaml:"global"`
	ScrapeConfigs []scrapeJob `yaml:"scrape_configs"`
}

type scrapeJob struct {
	JobName       string         `yaml:"job_name"`
	StaticConfigs []staticConfig `yaml:"static_configs"`
}

type staticConfig struct {
	Targets []string `yaml:"targets"`
}

// Options configures the child scraper binary's invocation.
type Options struct {
	BinaryPath string
	ConfigPath string
	Args       []string
	// Endpoint is the scraper's own HTTP API base, e.g. http://localhost:9090.
	Endpoint string
	// ScrapeTargets are the job name to target address mappings written
	// into the scrape config YAML.
	ScrapeTargets map[string][]string
	MaxRestartInterval time.Duration
}

// Supervisor owns the scraper child process.
type Supervisor struct {
	fs     afero.Fs
	opts   Options
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	cmd       *exec.Cmd
	bo        *backoff.ExponentialBackOff
	spawnedAt time.Time
}

// New creates a Supervisor.
func New(fs afero.Fs, opts Options, logger *slog.Logger) *Supervisor {
	if opts.MaxRestartInterval <= 0 {
		opts.MaxRestartInterval = 30 * time.Second
	}
	return &Supervisor{
		fs:     fs,
		opts:   opts,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		bo:     newBackOff(opts.MaxRestartInterval),
	}
}

func newBackOff(maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxInterval
	return bo
}

// Start writes the scrape config, spawns the binary, and blocks until the
// scraper reports readiness via GET endpoint/api/v1/status/flags (polled
// every 1s, unbounded retry per spec.md §4.6).
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.writeConfig(); err != nil {
		return fmt.Errorf("writing scrape config: %w", err)
	}

	s.mu.Lock()
	err := s.spawnLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return s.waitReady(ctx)
}

func (s *Supervisor) writeConfig() error {
	var jobs []string
	for job := range s.opts.ScrapeTargets {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	doc := scrapeConfigDocument{}
	doc.Global.ScrapeInterval = "15s"
	for _, job := range jobs {
		doc.ScrapeConfigs = append(doc.ScrapeConfigs, scrapeJob{
			JobName:       job,
			StaticConfigs: []staticConfig{{Targets: s.opts.ScrapeTargets[job]}},
		})
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := s.opts.ConfigPath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.opts.ConfigPath)
}

func (s *Supervisor) spawnLocked(ctx context.Context) error {
	args := append([]string{"--config.file=" + s.opts.ConfigPath}, s.opts.Args...)
	cmd := exec.Command(s.opts.BinaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting scraper binary: %w", err)
	}
	s.cmd = cmd
	s.spawnedAt = time.Now()
	s.logger.Info("scraper process started", "pid", cmd.Process.Pid)

	go s.superviseLocked(ctx, cmd)
	return nil
}

func (s *Supervisor) superviseLocked(ctx context.Context, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.cmd == cmd {
		s.cmd = nil
	}
	if time.Since(s.spawnedAt) > s.opts.MaxRestartInterval {
		s.bo = newBackOff(s.opts.MaxRestartInterval)
	}
	bo := s.bo
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	default:
	}

	s.logger.Warn("scraper process exited, respawning", "error", err)
	telemetry.SupervisorRestartsTotal.WithLabelValues("scraper").Inc()

	delay := bo.NextBackOff()
	if delay <= 0 || delay == backoff.Stop {
		delay = s.opts.MaxRestartInterval
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return
	}
	if err := s.spawnLocked(ctx); err != nil {
		s.logger.Error("failed to respawn scraper process", "error", err)
	}
}

// waitReady polls the scraper's status endpoint every second until it
// returns a 2xx response or ctx is cancelled.
func (s *Supervisor) waitReady(ctx context.Context) error {
	constant := backoff.NewConstantBackOff(1 * time.Second)
	url := s.opts.Endpoint + "/api/v1/status/flags"

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := s.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
			}
		}

		delay := constant.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reconfigure sends SIGHUP so the scraper re-reads its config file.
func (s *Supervisor) Reconfigure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGHUP)
}

// Stop terminates the child process, if running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

// NewClient builds a ScraperClient against the supervised scraper's HTTP
// API, following the api.NewClient → v1.NewAPI wiring used throughout the
// Prometheus client ecosystem.
func NewClient(endpoint string) (*ScraperClient, error) {
	c, err := api.NewClient(api.Config{Address: endpoint})
	if err != nil {
		return nil, fmt.Errorf("building scraper client: %w", err)
	}
	return &ScraperClient{api: v1.NewAPI(c)}, nil
}
