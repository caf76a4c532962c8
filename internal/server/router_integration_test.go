package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/kvstream/logbackup/internal/core"
	natsbackend "github.com/kvstream/logbackup/internal/nats"
	"github.com/kvstream/logbackup/internal/tracker"
)

func TestRouterEndToEnd_ObserveAndAdvance(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetadataBackend = BackendPebble
	cfg.DataDir = t.TempDir()
	cfg.Tasks = []TaskConfig{{
		Name:    "orders",
		StartTS: 100,
		Ranges:  []KeyRangeConfig{{Start: "a", End: "m"}},
	}}

	meta, err := OpenPebbleMetadata(cfg)
	if err != nil {
		t.Fatalf("OpenPebbleMetadata() error = %v", err)
	}
	app, tsURL := startApp(t, cfg, meta, scanFunc(func(context.Context, core.Region, core.TimeStamp) (core.ScanStats, error) {
		return core.ScanStats{Entries: 3}, nil
	}))

	region := core.Region{ID: 1, StartKey: []byte("b"), EndKey: []byte("c"), Epoch: core.Epoch{ConfVer: 1, Version: 1}}
	app.Regions.Upsert(core.RegionInfo{Region: region, Role: core.RoleLeader})

	resp := postJSON(t, tsURL+"/v1/observe", map[string]any{"op": core.OpStart, "region": region})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("observe status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	rec := waitForRegionState(t, tsURL, region.ID, tracker.StateObserving)
	if rec.StartTS != 100 {
		t.Errorf("start_ts = %d, want the task start ts 100", rec.StartTS)
	}

	if !app.Tracker.TrackLock(region.ID, []byte("b1"), 500) {
		t.Fatal("TrackLock() on an observed region should succeed")
	}
	globals := advance(t, tsURL)
	if globals["orders"] != 500 {
		t.Fatalf("advanced checkpoints = %v, want orders at 500", globals)
	}
	cp, err := app.Metadata.GetRegionCheckpoint(context.Background(), "orders", region)
	if err != nil {
		t.Fatalf("GetRegionCheckpoint() error = %v", err)
	}
	if cp.TS != 500 || cp.Provider != core.ProviderRegion {
		t.Errorf("GetRegionCheckpoint() = %+v, want 500 from region", cp)
	}

	resp = postJSON(t, tsURL+"/v1/observe", map[string]any{"op": core.OpStop, "region": region})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	waitForRegionGone(t, tsURL, region.ID)
}

func TestRouterEndToEnd_TasksAndHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetadataBackend = BackendPebble
	cfg.DataDir = t.TempDir()
	cfg.Tasks = []TaskConfig{{Name: "users", StartTS: 7, Ranges: []KeyRangeConfig{{Start: "u"}}}}

	meta, err := OpenPebbleMetadata(cfg)
	if err != nil {
		t.Fatalf("OpenPebbleMetadata() error = %v", err)
	}
	app, tsURL := startApp(t, cfg, meta, scanFunc(func(context.Context, core.Region, core.TimeStamp) (core.ScanStats, error) {
		return core.ScanStats{}, nil
	}))

	resp, err := http.Get(tsURL + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET tasks error: %v", err)
	}
	var tasks struct {
		Tasks []core.TaskInfo `json:"tasks"`
	}
	decodeInto(t, resp.Body, &tasks)
	if len(tasks.Tasks) != 1 || tasks.Tasks[0].Name != "users" || tasks.Tasks[0].StartTS != 7 {
		t.Fatalf("tasks = %+v, want the seeded task", tasks.Tasks)
	}

	resp, err = http.Get(tsURL + "/v1/health")
	if err != nil {
		t.Fatalf("GET health error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var health core.HealthResponse
	decodeInto(t, resp.Body, &health)
	if health.Backend.Type != BackendPebble {
		t.Errorf("backend type = %q, want %q", health.Backend.Type, BackendPebble)
	}

	req, err := http.NewRequest(http.MethodDelete, tsURL+"/v1/tasks/users", nil)
	if err != nil {
		t.Fatalf("request build error: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE task error: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if _, ok := app.Tasks.Task("users"); ok {
		t.Error("removed task should no longer be routed")
	}
	_, err = app.Metadata.GetRegionCheckpoint(context.Background(), "users", core.Region{ID: 1})
	if !errors.Is(err, &core.Error{Code: core.ErrCodeNotFound}) {
		t.Errorf("GetRegionCheckpoint() of removed task error = %v, want not_found", err)
	}

	resp, err = http.Get(tsURL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics error: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRouterEndToEnd_NATSRegionFeed(t *testing.T) {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	backend, err := natsbackend.New(natsURL)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	task := "it-feed-" + core.NewUUIDv7()
	info := core.TaskInfo{
		Name:    task,
		StartTS: 100,
		Ranges:  []core.KeyRange{{Start: []byte(task + "/"), End: []byte(task + "0")}},
		Status:  core.TaskStatusRunning,
	}
	if err := backend.Tasks().Put(context.Background(), info); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	scans, err := natsbackend.ServeInitialScans(backend.Conn(), scanFunc(func(context.Context, core.Region, core.TimeStamp) (core.ScanStats, error) {
		return core.ScanStats{Entries: 1}, nil
	}))
	if err != nil {
		t.Fatalf("ServeInitialScans() error = %v", err)
	}
	t.Cleanup(func() { _ = scans.Unsubscribe() })

	cfg := testConfig(t)
	app, tsURL := startApp(t, cfg, NewNATSMetadata(backend), natsbackend.NewScanClient(backend.Conn(), 5*time.Second))
	feed := natsbackend.NewRegionFeed(backend.Conn(), app.Manager, app.Regions, app.Tracker, 5*time.Second)
	if err := feed.Start(); err != nil {
		t.Fatalf("feed Start() error = %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })

	region := core.Region{ID: 41, StartKey: []byte(task + "/a"), EndKey: []byte(task + "/b"), Epoch: core.Epoch{ConfVer: 1, Version: 1}}
	publishEvent(t, backend, natsbackend.RegionEvent{Kind: natsbackend.KindStart, Region: region})
	waitForRegionState(t, tsURL, region.ID, tracker.StateObserving)

	publishEvent(t, backend, natsbackend.RegionEvent{Kind: natsbackend.KindTrackLock, Region: region, Key: []byte(task + "/a1"), StartTS: 300})
	globals := advance(t, tsURL)
	if globals[task] != 300 {
		t.Fatalf("advanced checkpoints = %v, want %s at 300", globals, task)
	}
	cp, err := backend.GetRegionCheckpoint(context.Background(), task, region)
	if err != nil {
		t.Fatalf("GetRegionCheckpoint() error = %v", err)
	}
	if cp.TS != 300 || cp.Provider != core.ProviderRegion {
		t.Errorf("GetRegionCheckpoint() = %+v, want 300 from region", cp)
	}

	publishEvent(t, backend, natsbackend.RegionEvent{Kind: natsbackend.KindDestroy, Region: region})
	waitForRegionGone(t, tsURL, region.ID)
}

type scanFunc func(ctx context.Context, region core.Region, startTS core.TimeStamp) (core.ScanStats, error)

func (f scanFunc) InitialScan(ctx context.Context, region core.Region, startTS core.TimeStamp, _ *core.Handle) (core.ScanStats, error) {
	return f(ctx, region, startTS)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Default()
	cfg.ResolveInterval = Duration(time.Hour)
	cfg.RetryBaseDelay = Duration(10 * time.Millisecond)
	cfg.RetryMaxDelay = Duration(100 * time.Millisecond)
	cfg.ResolveWaitTimeout = Duration(time.Second)
	return cfg
}

func startApp(t *testing.T, cfg Config, meta MetadataBackend, scanner core.InitialScanner) (*App, string) {
	t.Helper()
	app := NewApp(cfg, meta, scanner)
	if err := app.Start(context.Background()); err != nil {
		_ = app.Close()
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	ts := httptest.NewServer(app.Handler)
	t.Cleanup(ts.Close)
	return app, ts.URL
}

func publishEvent(t *testing.T, b *natsbackend.Backend, ev natsbackend.RegionEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("json marshal error: %v", err)
	}
	msg, err := b.Conn().Request(natsbackend.RegionEventSubject(ev.Kind), data, 5*time.Second)
	if err != nil {
		t.Fatalf("Request(%s) error = %v", ev.Kind, err)
	}
	if string(msg.Data) != `{"ok":true}` {
		t.Fatalf("%s ack = %s, want ok", ev.Kind, msg.Data)
	}
}

func advance(t *testing.T, baseURL string) map[string]core.TimeStamp {
	t.Helper()
	resp := postJSON(t, baseURL+"/v1/checkpoints/advance", nil)
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		t.Fatalf("advance status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var out struct {
		Checkpoints map[string]core.TimeStamp `json:"checkpoints"`
	}
	decodeInto(t, resp.Body, &out)
	return out.Checkpoints
}

func waitForRegionState(t *testing.T, baseURL string, id uint64, want tracker.State) tracker.Record {
	t.Helper()
	url := baseURL + "/v1/regions/" + strconv.FormatUint(id, 10)
	for i := 0; i < 100; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET region error: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			var rec tracker.Record
			decodeInto(t, resp.Body, &rec)
			if rec.State == want {
				return rec
			}
		} else {
			_ = resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("region %d did not reach %s in time", id, want)
	return tracker.Record{}
}

func waitForRegionGone(t *testing.T, baseURL string, id uint64) {
	t.Helper()
	url := baseURL + "/v1/regions/" + strconv.FormatUint(id, 10)
	for i := 0; i < 100; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET region error: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("region %d still tracked", id)
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json marshal error: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request build error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTP POST error: %v", err)
	}
	return resp
}

func decodeInto(t *testing.T, body io.ReadCloser, out any) {
	t.Helper()
	defer body.Close()

	if err := json.NewDecoder(body).Decode(out); err != nil {
		t.Fatalf("decode body error: %v", err)
	}
}
