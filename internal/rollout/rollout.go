// Package rollout implements the deterministic hash-bucket feature-flag
// gate used to stage behavior changes across a fleet of servers (spec.md
// §4.3, component C3). A server falls in or out of a rollout based on a
// stable hash of its own ID and the rollout's ID, so the same server
// consistently lands on the same side of the gate as the rollout percentage
// ramps up, until an operator forces it on or off.
package rollout

import (
	"crypto/md5"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Jigsaw-Code/shadowbox/internal/jsonconfig"
	"github.com/spf13/afero"
)

// persisted is the on-disk shape of forced rollout overrides.
type persisted struct {
	Forced map[string]bool `json:"forced"`
}

// Tracker decides whether a named rollout is enabled for a given server,
// honoring any forced override recorded via Force.
type Tracker struct {
	mu    sync.RWMutex
	store *jsonconfig.Store[persisted]
}

// Load reads forced overrides from path, creating an empty document if
// none exists yet.
func Load(fs afero.Fs, path string, logger *slog.Logger) (*Tracker, error) {
	store, err := jsonconfig.Load[persisted](fs, path, logger)
	if err != nil {
		return nil, err
	}
	if store.Data().Forced == nil {
		store.Data().Forced = make(map[string]bool)
	}
	return &Tracker{store: store}, nil
}

// IsEnabled reports whether rolloutID is enabled for serverID. A forced
// override always wins; otherwise the server is enabled if
// hash(serverID+rolloutID)[0] < percent*2.56, matching spec.md §4.3's
// bucket boundary exactly. percent must be an integer in [0,100]; any other
// value is rejected rather than silently clamped.
func (t *Tracker) IsEnabled(serverID, rolloutID string, percent int) (bool, error) {
	if percent < 0 || percent > 100 {
		return false, fmt.Errorf("rollout percent must be in [0,100], got %d", percent)
	}

	t.mu.RLock()
	forced, ok := t.store.Data().Forced[rolloutID]
	t.mu.RUnlock()
	if ok {
		return forced, nil
	}
	if percent == 0 {
		return false, nil
	}
	if percent == 100 {
		return true, nil
	}

	sum := md5.Sum([]byte(serverID + rolloutID))
	return float64(sum[0]) < float64(percent)*2.56, nil
}

// Force persists an explicit override for rolloutID, bypassing the hash
// bucket until the override is changed again (spec.md has no "clear"
// operation; operators force the opposite value instead).
func (t *Tracker) Force(rolloutID string, enabled bool) error {
	t.mu.Lock()
	t.store.Data().Forced[rolloutID] = enabled
	t.mu.Unlock()
	return t.store.Write()
}
