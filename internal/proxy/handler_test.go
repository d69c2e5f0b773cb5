package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"stream-corruptor/internal/manifest"
	"stream-corruptor/internal/origin"
	"stream-corruptor/internal/platform/metrics"
	"stream-corruptor/internal/segment"
	"stream-corruptor/internal/session"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T, originBody string) (*chi.Mux, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".mpd") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(originBody))
	}))
	t.Cleanup(srv.Close)

	store := session.NewMemoryStore()
	log := testLogger()
	noSleep := segment.WithSleeper(func(context.Context, time.Duration) error { return nil })
	svc := NewService(origin.NewClient(log, time.Second), store, log, WithMachine(segment.NewMachine(store, log, noSleep)))
	h := NewHandler(svc, log, metrics.New())

	r := chi.NewRouter()
	r.Use(CORS)
	h.Routes(r)
	return r, srv
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func manifestPath(q url.Values) string {
	return "/api/v2/manifests/dash/" + manifest.MasterPath + "?" + q.Encode()
}

func TestHandler_GetManifest(t *testing.T) {
	r, srv := newTestRouter(t, testMPD)

	rec := get(r, manifestPath(url.Values{"url": {srv.URL + "/live/manifest.mpd"}}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != manifest.ContentType {
		t.Errorf("expected content type %q, got %q", manifest.ContentType, ct)
	}
	if !strings.Contains(rec.Body.String(), "proxy-segment/segment_$Number$_$Bandwidth$_$RepresentationID$?") {
		t.Errorf("segment template not rewritten: %s", rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS origin *, got %q", got)
	}
}

func TestHandler_GetManifest_invalid_url(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)

	rec := get(r, manifestPath(url.Values{"url": {"not-a-url"}}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Type != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %q", body.Type)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Origin" {
		t.Errorf("error responses must carry CORS headers, got %q", got)
	}
}

func TestHandler_GetManifest_bad_config(t *testing.T) {
	r, srv := newTestRouter(t, testMPD)

	rec := get(r, manifestPath(url.Values{"url": {srv.URL + "/live/manifest.mpd"}, "delay": {"[{ms:10}]"}}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "CONFIG_ERROR") {
		t.Errorf("expected CONFIG_ERROR body, got %s", rec.Body.String())
	}
}

func TestHandler_GetManifest_upstream_status_forwarded(t *testing.T) {
	r, srv := newTestRouter(t, testMPD)

	rec := get(r, manifestPath(url.Values{"url": {srv.URL + "/missing.txt"}}))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected forwarded 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unsuccessful Source Manifest fetch") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_GetManifest_not_a_manifest(t *testing.T) {
	r, srv := newTestRouter(t, "#EXTM3U")

	rec := get(r, manifestPath(url.Values{"url": {srv.URL + "/live/manifest.mpd"}}))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandler_GetSegment_redirects_to_origin(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)
	q := url.Values{"url": {"https://cdn.example.com/$RepresentationID$/seg_$Number$.m4s"}}

	rec := get(r, "/api/v2/manifests/dash/proxy-segment/segment_5_500000_v1?"+q.Encode())

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://cdn.example.com/v1/seg_5.m4s" {
		t.Errorf("unexpected Location %q", loc)
	}
}

func TestHandler_GetSegment_status_then_origin(t *testing.T) {
	r, srv := newTestRouter(t, testMPD)

	rec := get(r, manifestPath(url.Values{
		"url":        {srv.URL + "/live/manifest.mpd"},
		"statusCode": {"[{sq:2,code:404,times:1}]"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest: expected 200, got %d", rec.Code)
	}
	media := rewrittenMedia(t, rec.Body.Bytes())
	_, query, _ := strings.Cut(media, "?")
	segmentPath := "/api/v2/manifests/dash/proxy-segment/segment_2_500000_v1?" + query

	first := get(r, segmentPath)
	if first.Code != http.StatusNotFound {
		t.Fatalf("first attempt: expected 404, got %d", first.Code)
	}
	if first.Body.String() != segment.StatusBody {
		t.Errorf("unexpected status body %q", first.Body.String())
	}

	second := get(r, segmentPath)
	if second.Code != http.StatusFound {
		t.Errorf("second attempt: expected 302, got %d", second.Code)
	}
}

func TestHandler_GetSegment_throttle(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)
	q := url.Values{
		"url":      {"https://cdn.example.com/seg_$Number$.mp4"},
		"throttle": {"[{sq:*,rate:4096}]"},
	}

	rec := get(r, "/api/v2/manifests/dash/proxy-segment/segment_1.mp4?"+q.Encode())

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != segment.DefaultThrottlePath || loc.Query().Get("rate") != "4096" || loc.Query().Get("url") != "https://cdn.example.com/seg_1.mp4" {
		t.Errorf("unexpected throttle location %q", loc)
	}
}

func TestHandler_GetSegment_timeout_hangs_until_cancelled(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)
	q := url.Values{"url": {"https://cdn.example.com/seg_$Number$.mp4"}, "timeout": {"[{sq:1}]"}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v2/manifests/dash/proxy-segment/segment_1.mp4?"+q.Encode(), nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	start := time.Now()
	r.ServeHTTP(rec, req)

	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("handler returned before the request context ended")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected no body, got %q", rec.Body.String())
	}
}

func TestHandler_GetFragment(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)
	q := url.Values{"url": {"https://cdn.example.com/seg_3.mp4"}, "statusCode": {"{code:503}"}}

	rec := get(r, "/api/v2/segments/fragment?"+q.Encode())

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_GetSession(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)

	rec := get(r, "/api/v2/sessions/unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHandler_preflight(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v2/manifests/dash/"+manifest.MasterPath, nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS origin header")
	}
}

func TestHandler_Health(t *testing.T) {
	r, _ := newTestRouter(t, testMPD)

	rec := get(r, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
