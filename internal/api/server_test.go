package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/idempotency"
	"github.com/jaystack/device-megatest/internal/queue"
	"github.com/jaystack/device-megatest/internal/results"
	"github.com/jaystack/device-megatest/internal/scheduler"
	"github.com/jaystack/device-megatest/internal/testdef"
	"github.com/jaystack/device-megatest/internal/trigger"
)

const launchBody = `{
	"devices": [
		{"os": "ios", "os_version": "17", "browser": "safari", "device": "iPhone 15"},
		{"os": "Windows", "os_version": "11", "browser": "chrome"}
	],
	"test": [
		{"cmd": "navigate", "url": "https://x"},
		{"cmd": "capture", "name": "open"}
	]
}`

type testEnv struct {
	store  *capture.MemoryStore
	queue  *queue.InMemory
	nudge  *trigger.Local
	server *Server
	ids    int
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	env := &testEnv{
		store: capture.NewMemoryStore(),
		queue: queue.NewInMemory(queue.Options{}),
		nudge: trigger.NewLocal(),
	}
	sched := scheduler.New(env.store, env.queue, env.nudge, scheduler.Options{
		Logger: logger,
		NewID: func() string {
			env.ids++
			return "test" + string(rune('0'+env.ids))
		},
	})
	opts := Options{
		Launcher:    sched,
		Results:     results.NewAggregator(env.store, logger),
		Store:       env.store,
		Queue:       env.queue,
		Idempotency: idempotency.NewInMemoryStore(),
		Renderer:    results.Renderer{CaptureBaseURL: "/captures"},
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.server = NewServer(opts)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeLaunch(t *testing.T, rr *httptest.ResponseRecorder) launchResponse {
	t.Helper()
	var resp launchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode launch response: %v (%s)", err, rr.Body.String())
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestLaunchSchedulesDevices(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody))
	req.Header.Set("Content-Type", "application/json")
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decodeLaunch(t, rr)
	if resp.OK != 1 || resp.TestDefinition.TestID != "test1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.TestDefinition.Devices) != 2 || resp.TestDefinition.Devices[1].DeviceID != "Device_1" {
		t.Fatalf("unexpected devices %+v", resp.TestDefinition.Devices)
	}
	if resp.TestDefinition.Devices[0].Capabilities.Device != "iPhone 15" {
		t.Fatalf("capabilities not carried: %+v", resp.TestDefinition.Devices[0].Capabilities)
	}

	stats, err := env.queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 2 {
		t.Fatalf("expected 2 pending jobs, got %+v", stats)
	}
}

func TestLaunchAcceptsYAML(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `
devices:
  - os: ios
    os_version: "17"
    browser: safari
test:
  - cmd: getPage
    url: https://x
  - cmd: element
    $ref: form
    by: {css: form}
    waitFor: 500
  - cmd: snapshot
    name: open
`
	req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/yaml")
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeLaunch(t, rr)
	if got := len(resp.TestDefinition.Devices[0].Test); got != 3 {
		t.Fatalf("expected 3 steps, got %d", got)
	}
}

func TestLaunchRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]string{
		"empty":      "",
		"not json":   "{devices",
		"no devices": `{"devices":[],"test":[{"cmd":"navigate","url":"https://x"}]}`,
		"bad step":   `{"devices":[{"browser":"chrome"}],"test":[{"cmd":"navigate"}]}`,
	}
	for name, body := range cases {
		rr := env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), `"code":"invalid_request"`) {
			t.Fatalf("%s: unexpected body %s", name, rr.Body.String())
		}
	}

	stats, _ := env.queue.Stats(context.Background())
	if stats.Pending != 0 {
		t.Fatalf("nothing should be enqueued, got %+v", stats)
	}
}

func TestLaunchWithoutSchedulerIsClientError(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Launcher = nil })
	rr := env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

type failingLauncher struct{ err error }

func (f failingLauncher) Schedule(context.Context, testdef.TestRequest) (testdef.TestDefinition, error) {
	return testdef.TestDefinition{}, f.err
}

func TestLaunchMapsSchedulerErrors(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Launcher = failingLauncher{err: errors.New("store unavailable")}
	})
	rr := env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}

	env = newTestEnv(t, func(o *Options) {
		o.Launcher = failingLauncher{err: scheduler.ErrNotConfigured}
	})
	rr = env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLaunchIdempotencyKeyReplaysDefinition(t *testing.T) {
	env := newTestEnv(t, nil)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody))
		req.Header.Set(idempotencyHeader, "launch-42")
		return env.do(req)
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayedHeader) != "true" {
		t.Fatalf("expected replay header on second launch")
	}

	a, b := decodeLaunch(t, first), decodeLaunch(t, second)
	if a.TestDefinition.TestID != b.TestDefinition.TestID {
		t.Fatalf("expected same test, got %s and %s", a.TestDefinition.TestID, b.TestDefinition.TestID)
	}
	stats, _ := env.queue.Stats(context.Background())
	if stats.Pending != 2 {
		t.Fatalf("replay must not enqueue again, got %+v", stats)
	}
}

func TestLaunchRequiresAPIKeyAndRateLimits(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.APIKey = "topsecret"
		o.LaunchRateLimit = 0.001
		o.LaunchRateBurst = 1
	})

	rr := env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody))
		req.Header.Set("X-API-Key", "topsecret")
		rr := env.do(req)
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rr.Code)
		}
	}

	// Viewing stays open.
	rr = env.do(httptest.NewRequest(http.MethodGet, "/v1/tests/test1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected result to be readable without a key, got %d", rr.Code)
	}
}

func seedCompletedDevice(t *testing.T, env *testEnv, testID string) {
	t.Helper()
	ctx := context.Background()
	key := capture.ArtifactKey(testID, "Device_0", "open")
	info, err := env.store.Put(ctx, key, capture.ContentTypePNG, []byte("\x89PNG fake"))
	if err != nil {
		t.Fatalf("put capture: %v", err)
	}
	manifest, err := capture.EncodeManifest([]*capture.Record{{Key: key, Upload: &info}})
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if _, err := env.store.Put(ctx, capture.ManifestKey(testID, "Device_0"), capture.ContentTypeJSON, manifest); err != nil {
		t.Fatalf("put manifest: %v", err)
	}
}

func TestViewRendersPartialResult(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))
	testID := decodeLaunch(t, rr).TestDefinition.TestID
	seedCompletedDevice(t, env, testID)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/view?testId="+testID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html, got %q", rr.Header().Get("Content-Type"))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rr.Body.Bytes()))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	rows := doc.Find("tr.device")
	if rows.Length() != 2 {
		t.Fatalf("expected 2 device rows, got %d", rows.Length())
	}
	src := rows.First().Find(".capture img").AttrOr("src", "")
	if src != "/captures/"+testID+"/Device_0/open.png" {
		t.Fatalf("unexpected thumbnail src %q", src)
	}
	if rows.Last().Find(".pending").Length() != 1 {
		t.Fatalf("expected second device to be pending")
	}

	// The thumbnail resolves through the capture proxy.
	img := env.do(httptest.NewRequest(http.MethodGet, src, nil))
	if img.Code != http.StatusOK || img.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("expected png from proxy, got %d %q", img.Code, img.Header().Get("Content-Type"))
	}
	if img.Body.String() != "\x89PNG fake" {
		t.Fatalf("unexpected capture body %q", img.Body.String())
	}
}

func TestResultJSONAndErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))
	testID := decodeLaunch(t, rr).TestDefinition.TestID
	seedCompletedDevice(t, env, testID)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/v1/tests/"+testID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result testdef.TestResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Devices) != 2 || len(result.Devices[0].Captures) != 1 || len(result.Devices[1].Captures) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if strings.Contains(rr.Body.String(), `"test":`) {
		t.Fatalf("step programs must be stripped: %s", rr.Body.String())
	}

	if rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/tests/missing", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/view", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without testId, got %d", rr.Code)
	}
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/captures/nope/Device_0/open.png", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing capture, got %d", rr.Code)
	}
}

func TestQueueInspection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.queue = queue.NewInMemory(queue.Options{MaxReceives: 1})
	env.server.queue = env.queue

	if _, err := env.queue.Send(ctx, []byte(`{"testId":"T","deviceId":"Device_0"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.queue.Send(ctx, []byte("garbage")); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Exhaust both receive budgets so the messages dead-letter.
	for i := 0; i < 2; i++ {
		if _, _, err := env.queue.Receive(ctx, 0); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
	if _, _, err := env.queue.Receive(ctx, time.Minute); err != nil {
		t.Fatalf("receive: %v", err)
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats map[string]int64
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["deadLettered"] != 2 || stats["pending"] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/v1/queue/dead-letters?limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var listed struct {
		Items []deadLetterView `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode dead letters: %v", err)
	}
	if len(listed.Items) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(listed.Items))
	}
	var sawJob, sawRaw bool
	for _, item := range listed.Items {
		sawJob = sawJob || len(item.Job) > 0
		sawRaw = sawRaw || item.RawBody == "garbage"
	}
	if !sawJob || !sawRaw {
		t.Fatalf("expected one job body and one raw body, got %+v", listed.Items)
	}

	if rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/queue/dead-letters?limit=x", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(httptest.NewRequest(http.MethodPost, "/launch", strings.NewReader(launchBody)))

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "megatest_scheduler_tests_total") {
		t.Fatalf("expected scheduler metrics to be exported")
	}
}
