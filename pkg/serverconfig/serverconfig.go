// Package serverconfig persists the server-wide settings singleton (spec.md
// §4.4, component C4): identity, display name, hostname advertised to
// clients, the port assigned to newly created access keys, the optional
// server-wide data limit, and the metrics opt-in flag.
package serverconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/Jigsaw-Code/shadowbox/internal/jsonconfig"
	"github.com/Jigsaw-Code/shadowbox/internal/portprovider"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// DataLimit overrides the server-wide default for a single access key or
// for the server as a whole.
type DataLimit struct {
	Bytes uint64 `json:"bytes"`
}

// Rollout is a forced or hash-gated feature flag recorded against this
// server's document (it is merely bookkeeping; internal/rollout owns the
// gating logic).
type Rollout struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// document is the on-disk shape of shadowbox_server_config.json.
type document struct {
	ServerID             string      `json:"serverId"`
	Name                 string      `json:"name"`
	CreatedTimestampMs   int64       `json:"createdTimestampMs"`
	Hostname             string      `json:"hostname,omitempty"`
	PortForNewAccessKeys int         `json:"portForNewAccessKeys"`
	AccessKeyDataLimit   *DataLimit  `json:"accessKeyDataLimit,omitempty"`
	MetricsEnabled       bool        `json:"metricsEnabled"`
	Rollouts             []Rollout   `json:"rollouts"`
	Version              string      `json:"version"`
	DataUsageTimeframe   *TimeframeH `json:"dataUsageTimeframe,omitempty"`
}

// TimeframeH overrides the default 30-day window used by the enforcement
// algorithm's usage query (spec.md §4.7.4's `server.dataUsageTimeframe.hours`).
// No REST endpoint mutates this; it exists for operators editing the
// persisted file directly, matching the "supplement dropped features"
// allowance for fields the distillation mentions but exposes no mutator
// for.
type TimeframeH struct {
	Hours int `json:"hours"`
}

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

var (
	ErrInvalidHostname  = errors.New("invalid hostname")
	ErrInvalidDataLimit = errors.New("invalid data limit")
)

// ServerConfig loads and mutates the singleton document, writing
// synchronously on every change (spec.md §4.4).
type ServerConfig struct {
	mu    sync.Mutex
	store *jsonconfig.Store[document]
}

// Load reads path, generating serverId/createdTimestampMs/
// portForNewAccessKeys on first use. version is the running binary's
// version string, stamped into the document. ports is consulted to
// reserve a fresh port when none is persisted yet.
func Load(fs afero.Fs, path string, version string, defaultName string, ports *portprovider.Provider, logger *slog.Logger) (*ServerConfig, error) {
	store, err := jsonconfig.Load[document](fs, path, logger)
	if err != nil {
		return nil, err
	}

	doc := store.Data()
	dirty := false
	if doc.ServerID == "" {
		doc.ServerID = uuid.NewString()
		dirty = true
	}
	if doc.CreatedTimestampMs == 0 {
		doc.CreatedTimestampMs = time.Now().UnixMilli()
		dirty = true
	}
	if doc.Name == "" {
		doc.Name = defaultName
		dirty = true
	}
	if doc.PortForNewAccessKeys == 0 {
		port, err := ports.ReserveNew()
		if err != nil {
			return nil, fmt.Errorf("reserving initial port for new access keys: %w", err)
		}
		doc.PortForNewAccessKeys = port
		dirty = true
	} else if err := ports.Reserve(doc.PortForNewAccessKeys); err != nil && !errors.Is(err, portprovider.ErrPortAlreadyReserved) {
		return nil, err
	}
	doc.Version = version

	sc := &ServerConfig{store: store}
	if dirty {
		if err := sc.flushLocked(); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

func (s *ServerConfig) flushLocked() error {
	return s.store.Write()
}

// ServerID returns the server's stable UUID.
func (s *ServerConfig) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Data().ServerID
}

// Snapshot is a point-in-time read of every field the REST service exposes
// via GET /server.
type Snapshot struct {
	Name                 string
	ServerID             string
	MetricsEnabled       bool
	CreatedTimestampMs   int64
	Version              string
	AccessKeyDataLimit   *DataLimit
	PortForNewAccessKeys int
	Hostname             string
}

// Snapshot returns a copy of the current document fields.
func (s *ServerConfig) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.store.Data()
	return Snapshot{
		Name:                 d.Name,
		ServerID:             d.ServerID,
		MetricsEnabled:       d.MetricsEnabled,
		CreatedTimestampMs:   d.CreatedTimestampMs,
		Version:              d.Version,
		AccessKeyDataLimit:   d.AccessKeyDataLimit,
		PortForNewAccessKeys: d.PortForNewAccessKeys,
		Hostname:             d.Hostname,
	}
}

// SetName updates the server's display name.
func (s *ServerConfig) SetName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Data().Name = name
	return s.flushLocked()
}

// SetHostname validates and updates the hostname advertised in access
// URLs. Accepts either a DNS hostname or an IP literal.
func (s *ServerConfig) SetHostname(hostname string) error {
	if net.ParseIP(hostname) == nil && !hostnamePattern.MatchString(hostname) {
		return ErrInvalidHostname
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Data().Hostname = hostname
	return s.flushLocked()
}

// PortForNewAccessKeys returns the port newly created access keys should
// bind to.
func (s *ServerConfig) PortForNewAccessKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Data().PortForNewAccessKeys
}

// SetPortForNewAccessKeys records p as the port for future access keys.
// Port-availability policy (spec.md §4.7.3) is enforced by the caller
// (the access-key repository), which owns the relationship between ports
// and existing keys; this setter only persists the already-validated
// value.
func (s *ServerConfig) SetPortForNewAccessKeys(p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Data().PortForNewAccessKeys = p
	return s.flushLocked()
}

// AccessKeyDataLimit returns the server-wide default limit, or nil if
// unset.
func (s *ServerConfig) AccessKeyDataLimit() *DataLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Data().AccessKeyDataLimit
}

// SetAccessKeyDataLimit sets the server-wide default data limit.
func (s *ServerConfig) SetAccessKeyDataLimit(limit DataLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Data().AccessKeyDataLimit = &limit
	return s.flushLocked()
}

// RemoveAccessKeyDataLimit clears the server-wide default data limit.
func (s *ServerConfig) RemoveAccessKeyDataLimit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Data().AccessKeyDataLimit = nil
	return s.flushLocked()
}

// MetricsEnabled reports whether anonymized usage reporting is enabled.
func (s *ServerConfig) MetricsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Data().MetricsEnabled
}

// SetMetricsEnabled toggles anonymized usage reporting.
func (s *ServerConfig) SetMetricsEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Data().MetricsEnabled = enabled
	return s.flushLocked()
}

// DataUsageTimeframeHours returns the enforcement algorithm's usage window
// in hours, defaulting to 30 days when unset.
func (s *ServerConfig) DataUsageTimeframeHours() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tf := s.store.Data().DataUsageTimeframe; tf != nil && tf.Hours > 0 {
		return tf.Hours
	}
	return 30 * 24
}
