package fetcher

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/chunklist"
	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/downloader"
	"github.com/vertextoedge/installer-fetch/internal/port"
	"github.com/vertextoedge/installer-fetch/internal/retry"
	"github.com/vertextoedge/installer-fetch/internal/transfer"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("GenerateKey() error = %v", err)
		}
		testKey = k
	})
	return testKey
}

// buildManifest returns a signed one-chunk manifest for data
func buildManifest(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	header := make([]byte, chunklist.HeaderSize)
	copy(header, chunklist.Magic)
	binary.LittleEndian.PutUint32(header[4:8], chunklist.HeaderSize)
	header[8], header[9], header[10] = 1, 1, chunklist.SignatureRSA
	binary.LittleEndian.PutUint64(header[12:20], 1)
	binary.LittleEndian.PutUint64(header[20:28], chunklist.HeaderSize)
	binary.LittleEndian.PutUint64(header[28:36], chunklist.HeaderSize+chunklist.ChunkSize)
	buf.Write(header)

	rec := make([]byte, chunklist.ChunkSize)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(data)))
	sum := sha256.Sum256(data)
	copy(rec[4:], sum[:])
	buf.Write(rec)

	digest := sha256.Sum256(buf.Bytes())
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey(t), crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15() error = %v", err)
	}
	for i, j := 0, len(sig)-1; i < j; i, j = i+1, j-1 {
		sig[i], sig[j] = sig[j], sig[i]
	}
	buf.Write(sig)
	return buf.Bytes()
}

// mockLedger keeps the last record per ID
type mockLedger struct {
	mu      sync.Mutex
	records map[string]domain.Transfer
	writes  int
}

func newMockLedger() *mockLedger {
	return &mockLedger{records: make(map[string]domain.Transfer)}
}

func (m *mockLedger) Record(t *domain.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[t.ID] = *t
	m.writes++
	return nil
}

func (m *mockLedger) Get(id string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (m *mockLedger) LatestForDest(dest string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Transfer
	for _, t := range m.records {
		if t.Dest == dest && (latest == nil || t.CreatedAt.After(latest.CreatedAt)) {
			latest = &t
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

func (m *mockLedger) List(port.TransferFilter) ([]*domain.Transfer, error) { return nil, nil }
func (m *mockLedger) Stats() (*domain.TransferStats, error)                { return &domain.TransferStats{}, nil }
func (m *mockLedger) Prune(time.Duration) (int, error)                     { return 0, nil }
func (m *mockLedger) Close() error                                         { return nil }

// mockMetrics counts outcomes
type mockMetrics struct {
	mu       sync.Mutex
	statuses []string
	verified []error
}

func (m *mockMetrics) Started() func(string) {
	return func(status string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.statuses = append(m.statuses, status)
	}
}

func (m *mockMetrics) ObserveVerification(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified = append(m.verified, err)
}

// mockSpace reports a fixed amount of free space
type mockSpace struct {
	free     int64
	required int64
}

func (m *mockSpace) CheckSpace(dir string, required int64) (*port.SpaceCheckResult, error) {
	m.required = required
	return &port.SpaceCheckResult{
		HasSpace:      required <= m.free,
		Dir:           dir,
		RequiredBytes: required,
		FreeBytes:     m.free,
	}, nil
}

type fileServer struct {
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newFileServer(t *testing.T, files map[string][]byte) (*fileServer, *httptest.Server) {
	fs := &fileServer{files: files, hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.hits[r.URL.Path]++
		data, ok := fs.files[r.URL.Path]
		fs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func newTestFetcher(t *testing.T, cfg Config, opts ...Option) *Fetcher {
	t.Helper()

	sessionCfg := transfer.DefaultConfig()
	sessionCfg.Retry = retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Factor: 2}
	session := transfer.NewSession(sessionCfg, zap.NewNop())
	session.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	dl := downloader.New(session, downloader.Options{
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}, zap.NewNop())

	cfg.VerifyOptions = append(cfg.VerifyOptions,
		chunklist.WithPublicKey(chunklist.PublicKeyFromRSA(&signingKey(t).PublicKey)))
	return New(cfg, dl, zap.NewNop(), opts...)
}

func TestLoadTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	content := `
product: 012-34567
targets:
  - url: http://example.com/a/InstallAssistant.pkg
    size: 1024
    chunklist: http://example.com/a/InstallAssistant.pkg.chunklist
  - url: http://example.com/a/BaseSystem.dmg
    name: base.dmg
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	list, err := LoadTargets(path)
	if err != nil {
		t.Fatalf("LoadTargets() error = %v", err)
	}
	if list.Product != "012-34567" || len(list.Targets) != 2 {
		t.Fatalf("LoadTargets() = %+v", list)
	}
	if got := list.Targets[0].FileName(); got != "InstallAssistant.pkg" {
		t.Errorf("FileName() = %q", got)
	}
	if got := list.Targets[1].FileName(); got != "base.dmg" {
		t.Errorf("FileName() = %q", got)
	}
	if dmg := FilterDMG(list.Targets); len(dmg) != 1 || dmg[0].Name != "base.dmg" {
		t.Errorf("FilterDMG() = %+v", dmg)
	}
}

func TestLoadTargets_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing url", "targets:\n  - size: 1\n"},
		{"negative size", "targets:\n  - url: http://x/a\n    size: -1\n"},
		{"path in name", "targets:\n  - url: http://x/a\n    name: ../a\n"},
		{"not yaml", "targets: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "targets.yaml")
			os.WriteFile(path, []byte(tt.content), 0644)
			if _, err := LoadTargets(path); err == nil {
				t.Error("LoadTargets() error = nil")
			}
		})
	}
}

func TestDownloadBatch_VerifiesAndRecords(t *testing.T) {
	pkg := bytes.Repeat([]byte("pkg!"), 5000)
	dmg := bytes.Repeat([]byte("dmg?"), 3000)
	_, srv := newFileServer(t, map[string][]byte{
		"/InstallAssistant.pkg":           pkg,
		"/InstallAssistant.pkg.chunklist": buildManifest(t, pkg),
		"/BaseSystem.dmg":                 dmg,
	})

	ledger := newMockLedger()
	metrics := &mockMetrics{}
	var progressNames []string
	f := newTestFetcher(t, Config{Resume: true},
		WithLedger(ledger),
		WithMetrics(metrics),
		WithProgress(func(name string) downloader.ProgressFunc {
			progressNames = append(progressNames, name)
			return nil
		}))

	dir := filepath.Join(t.TempDir(), "Installers")
	targets := []Target{
		{URL: srv.URL + "/InstallAssistant.pkg", Size: int64(len(pkg)), Chunklist: srv.URL + "/InstallAssistant.pkg.chunklist"},
		{URL: srv.URL + "/BaseSystem.dmg"},
	}

	result, err := f.DownloadBatch(context.Background(), dir, targets)
	if err != nil {
		t.Fatalf("DownloadBatch() error = %v", err)
	}
	if result.Completed() != 2 || result.BatchID == "" {
		t.Errorf("result = %+v", result)
	}
	if !result.Files[0].Verified || result.Files[1].Verified {
		t.Errorf("Verified = %v, %v; want true, false", result.Files[0].Verified, result.Files[1].Verified)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "InstallAssistant.pkg"))
	if !bytes.Equal(got, pkg) {
		t.Error("pkg content mismatch")
	}
	if _, err := os.Stat(filepath.Join(dir, "InstallAssistant.pkg"+ChunklistExt)); err != nil {
		t.Errorf("chunklist not saved: %v", err)
	}

	rec, err := ledger.Get(result.Files[0].ID)
	if err != nil {
		t.Fatalf("ledger.Get() error = %v", err)
	}
	if rec.Status != domain.TransferStatusCompleted || rec.Verification != domain.VerificationPassed || rec.BatchID != result.BatchID {
		t.Errorf("ledger record = %+v", rec)
	}
	if len(metrics.statuses) != 2 || len(metrics.verified) != 1 || metrics.verified[0] != nil {
		t.Errorf("metrics = %+v", metrics)
	}
	if strings.Join(progressNames, ",") != "InstallAssistant.pkg,BaseSystem.dmg" {
		t.Errorf("progress names = %v", progressNames)
	}
}

func TestDownloadBatch_ContinuesPastFailures(t *testing.T) {
	good := bytes.Repeat([]byte("ok"), 1000)
	corrupt := bytes.Repeat([]byte("xx"), 1000)
	_, srv := newFileServer(t, map[string][]byte{
		"/good.pkg":           good,
		"/corrupt.pkg":        corrupt,
		"/corrupt.pkg.chunks": buildManifest(t, bytes.Repeat([]byte("yy"), 1000)),
	})

	ledger := newMockLedger()
	f := newTestFetcher(t, Config{Resume: true}, WithLedger(ledger))

	targets := []Target{
		{URL: srv.URL + "/missing.pkg"},
		{URL: srv.URL + "/corrupt.pkg", Chunklist: srv.URL + "/corrupt.pkg.chunks"},
		{URL: srv.URL + "/good.pkg"},
	}

	result, err := f.DownloadBatch(context.Background(), t.TempDir(), targets)

	var batchErr *domain.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("DownloadBatch() error = %v, want BatchError", err)
	}
	if got := err.Error(); got != "2 files failed to download: missing.pkg, corrupt.pkg" {
		t.Errorf("error = %q", got)
	}
	if !errors.Is(err, domain.ErrNotFound) || !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("BatchError does not expose causes: %v", err)
	}
	if len(result.Files) != 3 || result.Files[2].Status != domain.TransferStatusCompleted {
		t.Errorf("files = %+v", result.Files)
	}

	rec, _ := ledger.Get(result.Files[1].ID)
	if rec.Status != domain.TransferStatusFailed || rec.Verification != domain.VerificationFailed {
		t.Errorf("corrupt record = %+v", rec)
	}
}

func TestDownloadBatch_ResumesPartialFile(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 2000)
	fs, srv := newFileServer(t, map[string][]byte{"/big.pkg": data})

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.pkg"), data[:7000], 0644); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t, Config{Resume: true})
	result, err := f.DownloadBatch(context.Background(), dir, []Target{{URL: srv.URL + "/big.pkg", Size: int64(len(data))}})
	if err != nil {
		t.Fatalf("DownloadBatch() error = %v", err)
	}
	if !result.Files[0].Resumed {
		t.Error("Resumed = false, want true")
	}
	got, _ := os.ReadFile(filepath.Join(dir, "big.pkg"))
	if !bytes.Equal(got, data) {
		t.Error("resumed content mismatch")
	}
	if fs.hits["/big.pkg"] != 1 {
		t.Errorf("hits = %d, want 1", fs.hits["/big.pkg"])
	}
}

func TestDownloadBatch_ResumeReportsPreviousTransfer(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 2000)
	_, srv := newFileServer(t, map[string][]byte{"/big.pkg": data})

	dir := t.TempDir()
	dest := filepath.Join(dir, "big.pkg")
	if err := os.WriteFile(dest, data[:7000], 0644); err != nil {
		t.Fatal(err)
	}

	ledger := newMockLedger()
	prev := domain.NewTransfer("earlier", "old-batch", srv.URL+"/big.pkg", dest, int64(len(data)))
	prev.Attempts = 3
	prev.MarkFailed(errors.New("connection reset"))
	prev.CreatedAt = time.Now().Add(-time.Hour)
	ledger.Record(prev)

	f := newTestFetcher(t, Config{Resume: true}, WithLedger(ledger))
	result, err := f.DownloadBatch(context.Background(), dir, []Target{{URL: srv.URL + "/big.pkg", Size: int64(len(data))}})
	if err != nil {
		t.Fatalf("DownloadBatch() error = %v", err)
	}

	fr := result.Files[0]
	if fr.Previous == nil || fr.Previous.ID != "earlier" {
		t.Fatalf("Previous = %+v, want earlier transfer", fr.Previous)
	}
	if fr.Previous.Status != domain.TransferStatusFailed {
		t.Errorf("Previous.Status = %q, want failed", fr.Previous.Status)
	}

	// Without a partial file there is nothing to resume from
	os.Remove(dest)
	result, err = f.DownloadBatch(context.Background(), dir, []Target{{URL: srv.URL + "/big.pkg", Size: int64(len(data))}})
	if err != nil {
		t.Fatalf("DownloadBatch() error = %v", err)
	}
	if result.Files[0].Previous != nil {
		t.Errorf("Previous = %+v, want nil for a fresh download", result.Files[0].Previous)
	}
}

func TestDownloadBatch_SkipsExistingWithoutResume(t *testing.T) {
	_, srv := newFileServer(t, map[string][]byte{"/a.pkg": []byte("new content")})

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.pkg"), []byte("old"), 0644)

	f := newTestFetcher(t, Config{Resume: false})
	result, err := f.DownloadBatch(context.Background(), dir, []Target{{URL: srv.URL + "/a.pkg"}})
	if err != nil {
		t.Fatalf("DownloadBatch() error = %v", err)
	}
	if result.Files[0].Status != domain.TransferStatusSkipped {
		t.Errorf("Status = %q, want skipped", result.Files[0].Status)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "a.pkg")); string(got) != "old" {
		t.Errorf("existing file modified: %q", got)
	}
}

func TestDownloadBatch_Cancelled(t *testing.T) {
	_, srv := newFileServer(t, map[string][]byte{"/a.pkg": []byte("a"), "/b.pkg": []byte("b")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ledger := newMockLedger()
	f := newTestFetcher(t, Config{Resume: true}, WithLedger(ledger))
	result, err := f.DownloadBatch(ctx, t.TempDir(), []Target{{URL: srv.URL + "/a.pkg"}, {URL: srv.URL + "/b.pkg"}})

	if !errors.Is(err, domain.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("DownloadBatch() error = %v, want ErrCancelled", err)
	}
	if len(result.Files) != 0 || ledger.writes != 0 {
		t.Errorf("files = %d, ledger writes = %d; want none", len(result.Files), ledger.writes)
	}
}

func TestDownloadBatch_InsufficientSpace(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.pkg"), make([]byte, 400), 0644)

	space := &mockSpace{free: 500}
	f := newTestFetcher(t, Config{Resume: true}, WithSpaceChecker(space))

	_, err := f.DownloadBatch(context.Background(), dir, []Target{
		{URL: "http://127.0.0.1:1/a.pkg", Size: 1000},
		{URL: "http://127.0.0.1:1/b.pkg", Size: 0},
	})
	if !errors.Is(err, domain.ErrInsufficientSpace) {
		t.Fatalf("DownloadBatch() error = %v, want ErrInsufficientSpace", err)
	}
	if space.required != 600 {
		t.Errorf("required = %d, want 600", space.required)
	}
}

func TestDownloadBatch_NoTargets(t *testing.T) {
	f := newTestFetcher(t, Config{})
	if _, err := f.DownloadBatch(context.Background(), t.TempDir(), nil); !errors.Is(err, ErrNoTargets) {
		t.Errorf("DownloadBatch() error = %v, want ErrNoTargets", err)
	}
}
