package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/courierhq/courier/internal/batch"
	"github.com/courierhq/courier/internal/shard"
	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/syncer"
)

const testToken = "test-secret-token"

// newTestServer creates a server over a temp storage root and an httptest
// frontend for it.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server, string) {
	t.Helper()

	root := t.TempDir()
	organizer := shard.NewOrganizer(root, nil)
	sweeper := shard.NewSweeper(root, 30*24*time.Hour, nil)

	cfg := DefaultConfig()
	cfg.Token = testToken
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(organizer, sweeper, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)

	return s, ts, root
}

// postUpload sends a multipart upload with the given token and form values.
func postUpload(t *testing.T, url, token, producerID string, archive []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if archive != nil {
		part, err := mw.CreateFormFile("file", "batch.tar.zst")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(archive); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if producerID != "" {
		_ = mw.WriteField("producerId", producerID)
	}
	_ = mw.WriteField("uploadedAt", time.Now().UTC().Format(time.RFC3339))
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/upload", &body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("X-API-Token", token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// packArchive builds a valid upload archive from events and artifact files.
func packArchive(t *testing.T, events []store.Event, artifacts []store.Artifact) []byte {
	t.Helper()

	arch, _, err := batch.NewPackager("desk-7", nil).Package(events, artifacts, time.Now())
	if err != nil {
		t.Fatalf("Package() failed: %v", err)
	}
	if arch == nil {
		t.Fatal("Package() returned nil archive")
	}
	return arch.Data
}

// TestNew_RequiresToken tests that a server without a shared secret refuses
// to construct.
func TestNew_RequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = ""

	if _, err := New(shard.NewOrganizer(t.TempDir(), nil), nil, cfg); err == nil {
		t.Error("New() without token should fail")
	}
}

// TestHealth tests the unauthenticated health check.
func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

// TestUpload_BadToken tests that a wrong or missing token is rejected with no
// storage side effect.
func TestUpload_BadToken(t *testing.T) {
	_, ts, root := newTestServer(t, nil)
	archive := packArchive(t, []store.Event{{ID: 1, Type: "keyboard"}}, nil)

	for _, token := range []string{"", "wrong-token"} {
		resp := postUpload(t, ts.URL, token, "desk-7", archive)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("storage root not empty after rejected uploads: %v", entries)
	}
}

// TestUpload_OriginDenied tests that the allow-list is checked before
// authentication: a valid token from a disallowed origin still gets 403.
func TestUpload_OriginDenied(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.AllowedNetworks = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	})
	archive := packArchive(t, []store.Event{{ID: 1, Type: "keyboard"}}, nil)

	resp := postUpload(t, ts.URL, testToken, "desk-7", archive)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

// TestUpload_OriginAllowed tests CIDR containment for the loopback caller.
func TestUpload_OriginAllowed(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.AllowedNetworks = []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("::1/128"),
		}
	})
	archive := packArchive(t, []store.Event{{ID: 1, Type: "keyboard"}}, nil)

	resp := postUpload(t, ts.URL, testToken, "desk-7", archive)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestUpload_MissingFile tests the 400 path for a bodiless form.
func TestUpload_MissingFile(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp := postUpload(t, ts.URL, testToken, "desk-7", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestUpload_MissingProducerID tests the 400 path for a missing form field.
func TestUpload_MissingProducerID(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	archive := packArchive(t, []store.Event{{ID: 1, Type: "keyboard"}}, nil)

	resp := postUpload(t, ts.URL, testToken, "", archive)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestUpload_TooLarge tests that oversize uploads are rejected by the body
// cap rather than buffered.
func TestUpload_TooLarge(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *Config) {
		cfg.MaxUploadBytes = 64
	})
	archive := packArchive(t, []store.Event{{ID: 1, Type: "keyboard", Details: map[string]string{"k": "v"}}}, nil)

	resp := postUpload(t, ts.URL, testToken, "desk-7", archive)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestUpload_CorruptArchive tests that a garbage payload produces a server
// error so the client retries later.
func TestUpload_CorruptArchive(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp := postUpload(t, ts.URL, testToken, "desk-7", []byte("definitely not zstd"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

// TestStats_Gated tests that stats require the token.
func TestStats_Gated(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// TestStats_ReportsProducers tests totals after an accepted upload.
func TestStats_ReportsProducers(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	archive := packArchive(t, []store.Event{{ID: 1, Type: "keyboard"}}, nil)

	if resp := postUpload(t, ts.URL, testToken, "desk-7", archive); resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stats", nil)
	req.Header.Set("X-API-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp.Body.Close()

	var stats shard.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.TotalProducers != 1 {
		t.Errorf("TotalProducers = %d, want 1", stats.TotalProducers)
	}
	if _, ok := stats.PerProducer["desk-7"]; !ok {
		t.Errorf("PerProducer missing desk-7: %v", stats.PerProducer)
	}
}

// TestCleanup_TriggersSweep tests the on-demand retention pass.
func TestCleanup_TriggersSweep(t *testing.T) {
	_, ts, root := newTestServer(t, nil)

	oldShard := filepath.Join(root, "desk-7", "2020-01-01")
	if err := os.MkdirAll(oldShard, 0755); err != nil {
		t.Fatalf("failed to create shard: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/cleanup", nil)
	req.Header.Set("X-API-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cleanup request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if _, err := os.Stat(oldShard); !os.IsNotExist(err) {
		t.Error("expired shard survived cleanup")
	}
}

// TestLive_ClientReceivesUploadBroadcast tests that a feed client stays
// connected after the upgrade handler returns and receives the upload
// notifications broadcast later.
func TestLive_ClientReceivesUploadBroadcast(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go s.feed.loop(s.ctx, &wg)
	t.Cleanup(func() {
		s.cancel()
		wg.Wait()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/live", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The handler registers the client just after the handshake; wait for
	// it before broadcasting.
	for start := time.Now(); ; {
		s.feed.clientsMu.RLock()
		n := len(s.feed.clients)
		s.feed.clientsMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Since(start) > 3*time.Second {
			t.Fatal("client never registered with the feed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.feed.BroadcastUpload("desk-7", "batch.tar.zst", 42)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed, client was disconnected: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if msg.Type != MessageTypeUpload {
		t.Errorf("message type = %q, want %q", msg.Type, MessageTypeUpload)
	}

	var upload UploadData
	if err := json.Unmarshal(msg.Data, &upload); err != nil {
		t.Fatalf("failed to decode upload data: %v", err)
	}
	if upload.ProducerID != "desk-7" || upload.Filename != "batch.tar.zst" || upload.SizeBytes != 42 {
		t.Errorf("upload data = %+v, want desk-7/batch.tar.zst/42", upload)
	}
}

// TestStop_BeforeStart tests that stopping a server that never listened is a
// clean no-op.
func TestStop_BeforeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = testToken

	s, err := New(shard.NewOrganizer(t.TempDir(), nil), shard.NewSweeper(t.TempDir(), time.Hour, nil), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() before Start() failed: %v", err)
	}
}

// TestEndToEnd_SyncCycle is the full pipeline scenario: records appended on
// the agent side are packaged, uploaded over HTTP, extracted into a shard,
// and committed as synced - and the payloads arrive byte-identical.
func TestEndToEnd_SyncCycle(t *testing.T) {
	_, ts, root := newTestServer(t, nil)
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "courier.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := st.AppendEvent(ctx, "keyboard", map[string]string{"key": "a"}); err != nil {
			t.Fatalf("AppendEvent() failed: %v", err)
		}
	}
	shotBytes := []byte("jpeg payload bytes")
	shotPath := filepath.Join(t.TempDir(), "shot_001.jpg")
	if err := os.WriteFile(shotPath, shotBytes, 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	if _, err := st.AppendArtifact(ctx, shotPath, int64(len(shotBytes))); err != nil {
		t.Fatalf("AppendArtifact() failed: %v", err)
	}

	up := syncer.NewHTTPUploader(ts.URL, testToken, "desk-7", 10*time.Second)
	sy := syncer.New(st, batch.NewPackager("desk-7", nil), up, nil)

	res, err := sy.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() failed: %v", err)
	}
	if res.Failed || res.Events != 3 || res.Artifacts != 1 {
		t.Fatalf("Result = %+v, want 3 events, 1 artifact, not failed", res)
	}

	events, err := st.UnsyncedEvents(ctx, 100)
	if err != nil {
		t.Fatalf("UnsyncedEvents() failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("unsynced events after cycle = %d, want 0", len(events))
	}

	shardDir := filepath.Join(root, "desk-7", time.Now().UTC().Format(shard.DateLayout))
	extracted, err := os.ReadFile(filepath.Join(shardDir, "artifacts", "shot_001.jpg"))
	if err != nil {
		t.Fatalf("extracted artifact missing: %v", err)
	}
	if !bytes.Equal(extracted, shotBytes) {
		t.Error("artifact bytes changed in transit")
	}

	entries, err := os.ReadDir(shardDir)
	if err != nil {
		t.Fatalf("failed to read shard: %v", err)
	}
	foundManifest := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(shardDir, e.Name()))
		if err != nil {
			t.Fatalf("failed to read manifest: %v", err)
		}
		var manifest []batch.ManifestEntry
		if err := json.Unmarshal(data, &manifest); err != nil {
			continue
		}
		foundManifest = true
		if len(manifest) != 3 {
			t.Errorf("manifest has %d entries, want 3", len(manifest))
		}
	}
	if !foundManifest {
		t.Error("no event manifest found in shard")
	}
}

// TestEndToEnd_ServerErrorDefersRecords is the 500 scenario: the upload is
// not acknowledged, nothing commits, and the records reappear next cycle.
func TestEndToEnd_ServerErrorDefersRecords(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "courier.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	if _, err := st.AppendEvent(ctx, "keyboard", nil); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	cfg := syncer.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	up := syncer.NewHTTPUploader(failing.URL, testToken, "desk-7", 10*time.Second)
	sy := syncer.New(st, batch.NewPackager("desk-7", nil), up, cfg)

	res, err := sy.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() failed: %v", err)
	}
	if !res.Failed {
		t.Error("Result.Failed = false, want true")
	}

	events, err := st.UnsyncedEvents(ctx, 100)
	if err != nil {
		t.Fatalf("UnsyncedEvents() failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("unsynced events = %d, want 1 (record deferred to next cycle)", len(events))
	}
}
