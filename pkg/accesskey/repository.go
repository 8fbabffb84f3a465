package accesskey

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/Jigsaw-Code/shadowbox/internal/jsonconfig"
	"github.com/Jigsaw-Code/shadowbox/internal/portprovider"
	"github.com/Jigsaw-Code/shadowbox/internal/telemetry"
	"github.com/Jigsaw-Code/shadowbox/pkg/proxysupervisor"
	"github.com/Jigsaw-Code/shadowbox/pkg/serverconfig"
)

const maxNameLength = 100

// ProxyPusher accepts the materialized set of enabled keys. Satisfied by
// *proxysupervisor.Supervisor.
type ProxyPusher interface {
	Update(ctx context.Context, keys []proxysupervisor.Key) error
}

// UsageReader answers the enforcement tick's usage query. Satisfied by
// *usage.Reader.
type UsageReader interface {
	OutboundByCallsBytes(ctx context.Context, hours int) (map[string]uint64, error)
}

// Repository owns the authoritative list of access keys (spec.md §4.7.1).
type Repository struct {
	store        *jsonconfig.Store[document]
	serverConfig *serverconfig.ServerConfig
	ports        *portprovider.Provider
	proxy        ProxyPusher
	usage        UsageReader
	logger       *slog.Logger

	mu        sync.Mutex
	overLimit map[string]bool
}

// New loads the access-key document from path and wires the repository's
// collaborators.
func New(
	fs afero.Fs,
	path string,
	serverConfig *serverconfig.ServerConfig,
	ports *portprovider.Provider,
	proxy ProxyPusher,
	usage UsageReader,
	logger *slog.Logger,
) (*Repository, error) {
	store, err := jsonconfig.Load[document](fs, path, logger)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		store:        store,
		serverConfig: serverConfig,
		ports:        ports,
		proxy:        proxy,
		usage:        usage,
		logger:       logger,
		overLimit:    make(map[string]bool),
	}
	for _, pk := range store.Data().AccessKeys {
		ports.Reserve(pk.Port) //nolint:errcheck // sharing a port across keys is expected
	}
	return r, nil
}

// CreateNewAccessKey allocates a new id, password, and metrics id, persists
// the key, and pushes the updated (non-over-limit) key set to the proxy
// supervisor (spec.md §4.7.2).
func (r *Repository) CreateNewAccessKey(ctx context.Context) (AccessKey, error) {
	r.mu.Lock()

	password, err := randomPassword()
	if err != nil {
		r.mu.Unlock()
		return AccessKey{}, err
	}

	doc := r.store.Data()
	id := strconv.Itoa(doc.NextID)
	doc.NextID++ // advanced before the write, so a crash after write still yields a unique id next time

	port := r.serverConfig.PortForNewAccessKeys()
	r.ports.Reserve(port) //nolint:errcheck // shared port, already owned or newly claimed

	pk := persistedKey{
		ID:               id,
		MetricsID:        uuid.NewString(),
		Password:         password,
		Port:             port,
		EncryptionMethod: DefaultCipher,
	}
	doc.AccessKeys = append(doc.AccessKeys, pk)

	if err := r.store.Write(); err != nil {
		r.mu.Unlock()
		return AccessKey{}, fmt.Errorf("persisting new access key: %w", err)
	}

	proxyKeys := r.materializeProxyKeysLocked()
	hostname := r.serverConfig.Snapshot().Hostname
	r.mu.Unlock()

	if err := r.proxy.Update(ctx, proxyKeys); err != nil {
		r.logger.Error("failed to push proxy config after create", "error", err)
	}
	return toView(pk, hostname, false), nil
}

// RemoveAccessKey deletes id from the repository and the proxy config.
func (r *Repository) RemoveAccessKey(ctx context.Context, id string) error {
	r.mu.Lock()
	doc := r.store.Data()
	idx := indexOf(doc.AccessKeys, id)
	if idx < 0 {
		r.mu.Unlock()
		return ErrAccessKeyNotFound
	}
	doc.AccessKeys = append(doc.AccessKeys[:idx], doc.AccessKeys[idx+1:]...)
	delete(r.overLimit, id)

	if err := r.store.Write(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persisting access key removal: %w", err)
	}
	proxyKeys := r.materializeProxyKeysLocked()
	r.mu.Unlock()

	if err := r.proxy.Update(ctx, proxyKeys); err != nil {
		r.logger.Error("failed to push proxy config after remove", "error", err)
	}
	return nil
}

// RenameAccessKey updates a key's display name. Name length is assumed
// already validated by the REST layer's request DTO.
func (r *Repository) RenameAccessKey(id, name string) error {
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.store.Data()
	idx := indexOf(doc.AccessKeys, id)
	if idx < 0 {
		return ErrAccessKeyNotFound
	}
	doc.AccessKeys[idx].Name = name
	if err := r.store.Write(); err != nil {
		return fmt.Errorf("persisting access key rename: %w", err)
	}
	return nil
}

// ListAccessKeys returns every key in insertion order.
func (r *Repository) ListAccessKeys() []AccessKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	hostname := r.serverConfig.Snapshot().Hostname
	views := make([]AccessKey, len(r.store.Data().AccessKeys))
	for i, pk := range r.store.Data().AccessKeys {
		views[i] = toView(pk, hostname, r.overLimit[pk.ID])
	}
	return views
}

// GetMetricsID returns the metrics id for id, if it exists.
func (r *Repository) GetMetricsID(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := indexOf(r.store.Data().AccessKeys, id)
	if idx < 0 {
		return "", false
	}
	return r.store.Data().AccessKeys[idx].MetricsID, true
}

// PerKeyLimitCount returns the number of keys carrying their own data
// limit override, for the daily feature report (spec.md §4.9).
func (r *Repository) PerKeyLimitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, pk := range r.store.Data().AccessKeys {
		if pk.DataLimit != nil {
			count++
		}
	}
	return count
}

// SetPortForNewAccessKeys validates and records the port used for future
// keys (spec.md §4.7.3).
func (r *Repository) SetPortForNewAccessKeys(port int) error {
	if port < 1 || port > 65535 {
		return ErrInvalidPortNumber
	}
	r.mu.Lock()
	usedByExistingKey := false
	for _, pk := range r.store.Data().AccessKeys {
		if pk.Port == port {
			usedByExistingKey = true
			break
		}
	}
	r.mu.Unlock()

	if !usedByExistingKey && r.ports.IsPortUsedByOS(port) {
		return ErrPortUnavailable
	}
	r.ports.Reserve(port) //nolint:errcheck // idempotent for already-owned ports
	return r.serverConfig.SetPortForNewAccessKeys(port)
}

// SetHostname validates and updates the hostname used in derived access
// URLs; it does not touch the proxy config.
func (r *Repository) SetHostname(hostname string) error {
	return r.serverConfig.SetHostname(hostname)
}

// SetAccessKeyDataLimit sets a per-key override and enforces immediately,
// so a subsequent read observes a consistent IsOverDataLimit (spec.md §9).
func (r *Repository) SetAccessKeyDataLimit(ctx context.Context, id string, limit serverconfig.DataLimit) error {
	r.mu.Lock()
	doc := r.store.Data()
	idx := indexOf(doc.AccessKeys, id)
	if idx < 0 {
		r.mu.Unlock()
		return ErrAccessKeyNotFound
	}
	doc.AccessKeys[idx].DataLimit = &limit
	if err := r.store.Write(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persisting access key data limit: %w", err)
	}
	r.mu.Unlock()

	r.Enforce(ctx)
	return nil
}

// RemoveAccessKeyDataLimit clears a key's per-key override.
func (r *Repository) RemoveAccessKeyDataLimit(ctx context.Context, id string) error {
	r.mu.Lock()
	doc := r.store.Data()
	idx := indexOf(doc.AccessKeys, id)
	if idx < 0 {
		r.mu.Unlock()
		return ErrAccessKeyNotFound
	}
	doc.AccessKeys[idx].DataLimit = nil
	if err := r.store.Write(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persisting access key data limit removal: %w", err)
	}
	r.mu.Unlock()

	r.Enforce(ctx)
	return nil
}

// SetDefaultDataLimit sets the server-wide default and enforces
// immediately.
func (r *Repository) SetDefaultDataLimit(ctx context.Context, limit serverconfig.DataLimit) error {
	if err := r.serverConfig.SetAccessKeyDataLimit(limit); err != nil {
		return err
	}
	r.Enforce(ctx)
	return nil
}

// RemoveDefaultDataLimit clears the server-wide default and enforces
// immediately (an over-limit key whose effective limit becomes infinite
// is re-enabled on this pass, per spec.md §4.7.4's tie-break rule).
func (r *Repository) RemoveDefaultDataLimit(ctx context.Context) error {
	if err := r.serverConfig.RemoveAccessKeyDataLimit(); err != nil {
		return err
	}
	r.Enforce(ctx)
	return nil
}

// Start installs the 60-second periodic enforcement tick (spec.md
// §4.7.2's `start(clock)`) and runs it until ctx is cancelled.
func (r *Repository) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@every 60s", func() { r.Enforce(ctx) }); err != nil {
		return fmt.Errorf("scheduling enforcement tick: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Enforce recomputes isOver for every key and re-materializes the proxy
// config with only the keys that are not over limit (spec.md §4.7.4). A
// scraper failure is logged and treated as empty usage, making this pass a
// no-op rather than a fatal error (spec.md §7 ScraperError).
func (r *Repository) Enforce(ctx context.Context) {
	start := time.Now()
	defer func() { telemetry.EnforcementTickDuration.Observe(time.Since(start).Seconds()) }()

	r.mu.Lock()
	doc := r.store.Data()
	keys := make([]persistedKey, len(doc.AccessKeys))
	copy(keys, doc.AccessKeys)
	defaultLimit := r.serverConfig.AccessKeyDataLimit()
	hours := r.serverConfig.DataUsageTimeframeHours()
	r.mu.Unlock()

	used, err := r.usage.OutboundByCallsBytes(ctx, hours)
	if err != nil {
		r.logger.Error("enforcement tick: scraper query failed, treating usage as empty", "error", err)
		used = map[string]uint64{}
	}

	over := make(map[string]bool, len(keys))
	var proxyKeys []proxysupervisor.Key
	for _, k := range keys {
		limit := effectiveLimit(k.DataLimit, defaultLimit)
		isOver := used[k.ID] > limit
		over[k.ID] = isOver
		if !isOver {
			proxyKeys = append(proxyKeys, proxysupervisor.Key{
				ID:     k.ID,
				Port:   k.Port,
				Cipher: k.EncryptionMethod,
				Secret: k.Password,
			})
		}
	}

	r.mu.Lock()
	r.overLimit = over
	r.mu.Unlock()

	if err := r.proxy.Update(ctx, proxyKeys); err != nil {
		r.logger.Error("enforcement tick: failed to push proxy config", "error", err)
	}
}

func effectiveLimit(perKey *serverconfig.DataLimit, serverDefault *serverconfig.DataLimit) uint64 {
	if perKey != nil {
		return perKey.Bytes
	}
	if serverDefault != nil {
		return serverDefault.Bytes
	}
	return ^uint64(0)
}

// materializeProxyKeysLocked builds the enabled-key proxy config from the
// current document and the cached overLimit status, without re-querying
// the scraper. Callers must hold r.mu.
func (r *Repository) materializeProxyKeysLocked() []proxysupervisor.Key {
	var keys []proxysupervisor.Key
	for _, pk := range r.store.Data().AccessKeys {
		if r.overLimit[pk.ID] {
			continue
		}
		keys = append(keys, proxysupervisor.Key{
			ID:     pk.ID,
			Port:   pk.Port,
			Cipher: pk.EncryptionMethod,
			Secret: pk.Password,
		})
	}
	return keys
}

func indexOf(keys []persistedKey, id string) int {
	for i, k := range keys {
		if k.ID == id {
			return i
		}
	}
	return -1
}
