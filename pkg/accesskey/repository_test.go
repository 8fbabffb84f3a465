package accesskey

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/Jigsaw-Code/shadowbox/internal/portprovider"
	"github.com/Jigsaw-Code/shadowbox/pkg/proxysupervisor"
	"github.com/Jigsaw-Code/shadowbox/pkg/serverconfig"
)

type boundListener struct {
	net.Listener
	port int
}

func (b *boundListener) Close() error { return b.Listener.Close() }

func probeListener(t *testing.T) (*boundListener, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &boundListener{Listener: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

type fakeProxy struct {
	mu   sync.Mutex
	last []proxysupervisor.Key
}

func (f *fakeProxy) Update(ctx context.Context, keys []proxysupervisor.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = keys
	return nil
}

func (f *fakeProxy) keyIDs() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]bool, len(f.last))
	for _, k := range f.last {
		ids[k.ID] = true
	}
	return ids
}

type fakeUsage struct {
	usage map[string]uint64
	err   error
}

func (f *fakeUsage) OutboundByCallsBytes(ctx context.Context, hours int) (map[string]uint64, error) {
	return f.usage, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(strings.Builder), nil))
}

func newTestRepo(t *testing.T) (*Repository, *fakeProxy, *fakeUsage) {
	t.Helper()
	fs := afero.NewMemMapFs()
	ports := portprovider.New()
	sc, err := serverconfig.Load(fs, "/state/server_config.json", "1.0.0", "Outline Server", ports, nil)
	if err != nil {
		t.Fatal(err)
	}
	proxy := &fakeProxy{}
	usage := &fakeUsage{usage: map[string]uint64{}}
	repo, err := New(fs, "/state/config.json", sc, ports, proxy, usage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return repo, proxy, usage
}

func TestCreateNewAccessKeyAssignsIncreasingIDs(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	k0, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	k1, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if k0.ID == k1.ID {
		t.Errorf("expected distinct ids, got %q twice", k0.ID)
	}
	if k0.Password == k1.Password {
		t.Error("expected distinct passwords")
	}
	if k0.MetricsID == k1.MetricsID {
		t.Error("expected distinct metrics ids")
	}
	if k0.Port < 1024 || k0.Port > 65535 {
		t.Errorf("port %d out of range", k0.Port)
	}
}

func TestIDsNotReusedAcrossReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	ports := portprovider.New()
	sc, err := serverconfig.Load(fs, "/state/server_config.json", "1.0.0", "Outline Server", ports, nil)
	if err != nil {
		t.Fatal(err)
	}
	proxy := &fakeProxy{}
	usage := &fakeUsage{usage: map[string]uint64{}}
	repo, err := New(fs, "/state/config.json", sc, ports, proxy, usage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	k0, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.RemoveAccessKey(ctx, k0.ID); err != nil {
		t.Fatal(err)
	}

	reloadedSC, err := serverconfig.Load(fs, "/state/server_config.json", "1.0.0", "Outline Server", portprovider.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := New(fs, "/state/config.json", reloadedSC, portprovider.New(), proxy, usage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	k1, err := reloaded.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if k0.ID == k1.ID {
		t.Errorf("expected id not to be reused after restart, got %q both times", k0.ID)
	}
}

func TestRemoveAccessKeyDropsFromProxyConfig(t *testing.T) {
	repo, proxy, _ := newTestRepo(t)
	ctx := context.Background()

	k0, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !proxy.keyIDs()[k0.ID] {
		t.Fatal("expected key to appear in proxy config after create")
	}

	if err := repo.RemoveAccessKey(ctx, k0.ID); err != nil {
		t.Fatal(err)
	}
	if proxy.keyIDs()[k0.ID] {
		t.Error("expected key to be removed from proxy config")
	}

	if err := repo.RemoveAccessKey(ctx, k0.ID); err != ErrAccessKeyNotFound {
		t.Errorf("RemoveAccessKey() on missing key error = %v, want ErrAccessKeyNotFound", err)
	}
}

func TestEnforcementFlipsKeysOverLimit(t *testing.T) {
	repo, proxy, usage := newTestRepo(t)
	ctx := context.Background()

	k0, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	k1, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}

	usage.usage = map[string]uint64{k0.ID: 500, k1.ID: 200}
	if err := repo.SetDefaultDataLimit(ctx, serverconfig.DataLimit{Bytes: 250}); err != nil {
		t.Fatal(err)
	}

	ids := proxy.keyIDs()
	if ids[k0.ID] {
		t.Error("expected k0 to be excluded from proxy config (over limit)")
	}
	if !ids[k1.ID] {
		t.Error("expected k1 to remain in proxy config (under limit)")
	}

	usage.usage = map[string]uint64{k0.ID: 500, k1.ID: 1000}
	if err := repo.SetDefaultDataLimit(ctx, serverconfig.DataLimit{Bytes: 700}); err != nil {
		t.Fatal(err)
	}

	ids = proxy.keyIDs()
	if !ids[k0.ID] {
		t.Error("expected k0 to be re-enabled (under new 700-byte limit)")
	}
	if ids[k1.ID] {
		t.Error("expected k1 to be excluded (over new 700-byte limit)")
	}
}

func TestEnforcementTreatsMissingUsageAsZero(t *testing.T) {
	repo, proxy, usage := newTestRepo(t)
	ctx := context.Background()

	k0, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	usage.usage = map[string]uint64{}
	if err := repo.SetDefaultDataLimit(ctx, serverconfig.DataLimit{Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if !proxy.keyIDs()[k0.ID] {
		t.Error("expected key with no reported usage to remain enabled")
	}
}

func TestSetPortForNewAccessKeysRejectsOSBusyPort(t *testing.T) {
	fs := afero.NewMemMapFs()
	ports := portprovider.New()
	sc, err := serverconfig.Load(fs, "/state/server_config.json", "1.0.0", "Outline Server", ports, nil)
	if err != nil {
		t.Fatal(err)
	}
	repo, err := New(fs, "/state/config.json", sc, ports, &fakeProxy{}, &fakeUsage{usage: map[string]uint64{}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Bind a real listener to simulate a foreign process using the port.
	// Using an ephemeral port keeps this hermetic across CI environments.
	ln, err := probeListener(t)
	if err != nil {
		t.Skipf("could not bind a test listener: %v", err)
	}
	defer ln.Close()

	if err := repo.SetPortForNewAccessKeys(ln.port); err != ErrPortUnavailable {
		t.Errorf("SetPortForNewAccessKeys(%d) error = %v, want ErrPortUnavailable", ln.port, err)
	}
}

func TestSetPortForNewAccessKeysRejectsOutOfRange(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	if err := repo.SetPortForNewAccessKeys(0); err != ErrInvalidPortNumber {
		t.Errorf("error = %v, want ErrInvalidPortNumber", err)
	}
	if err := repo.SetPortForNewAccessKeys(70000); err != ErrInvalidPortNumber {
		t.Errorf("error = %v, want ErrInvalidPortNumber", err)
	}
}

func TestRenameAccessKey(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	k0, err := repo.CreateNewAccessKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.RenameAccessKey(k0.ID, "Alice"); err != nil {
		t.Fatal(err)
	}
	list := repo.ListAccessKeys()
	if len(list) != 1 || list[0].Name != "Alice" {
		t.Errorf("list = %+v, want name Alice", list)
	}
	if err := repo.RenameAccessKey("missing", "x"); err != ErrAccessKeyNotFound {
		t.Errorf("error = %v, want ErrAccessKeyNotFound", err)
	}
}
