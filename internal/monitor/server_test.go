package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/hostsync/internal/health"
	"github.com/pingsantohq/hostsync/internal/metrics"
	"github.com/pingsantohq/hostsync/pkg/types"
)

func do(t *testing.T, h http.Handler, method, path string) *http.Response {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w.Result()
}

func TestHealthAndReadiness(t *testing.T) {
	store := metrics.NewStore()
	checker := health.NewChecker(store, time.Second)
	now := time.Unix(5000, 0).UTC()
	srv := New(Config{}, Dependencies{Metrics: store, Health: checker, Now: func() time.Time { return now }})

	if resp := do(t, srv.Handler, http.MethodGet, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz got %d", resp.StatusCode)
	}

	resp := do(t, srv.Handler, http.MethodGet, "/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before apply got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hosts file not yet applied") {
		t.Fatalf("unexpected readiness body %q", body)
	}

	checker.Record(types.Event{Type: types.EventCycleApplied, Timestamp: now})
	if resp := do(t, srv.Handler, http.MethodGet, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after apply got %d", resp.StatusCode)
	}

	resp = do(t, srv.Handler, http.MethodGet, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics got %d", resp.StatusCode)
	}
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hostsync_ready 1") {
		t.Fatalf("expected readiness gauge in metrics output")
	}

	if resp := do(t, srv.Handler, http.MethodPost, "/metrics"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST got %d", resp.StatusCode)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	at := time.Unix(7000, 0).UTC()
	srv := New(Config{}, Dependencies{Snapshot: func() types.MembershipView {
		return types.MembershipView{
			ReplicaSet: "rs0",
			Role:       "mongod",
			HostsPath:  "/etc/hosts",
			Applied:    true,
			AppliedAt:  &at,
			Members:    []types.HostEntry{{Alias: "rs0_0", Address: "10.0.0.5"}},
		}
	}})

	resp := do(t, srv.Handler, http.MethodGet, "/v1/snapshot")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var view types.MembershipView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ReplicaSet != "rs0" || len(view.Members) != 1 || view.Members[0].Alias != "rs0_0" || !view.AppliedAt.Equal(at) {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestSnapshotEndpointEmpty(t *testing.T) {
	srv := New(Config{}, Dependencies{Snapshot: func() types.MembershipView {
		return types.MembershipView{ReplicaSet: "rs0"}
	}})
	resp := do(t, srv.Handler, http.MethodGet, "/v1/snapshot")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"members":[]`) {
		t.Fatalf("expected empty members array, got %s", body)
	}

	bare := New(Config{}, Dependencies{})
	if resp := do(t, bare.Handler, http.MethodGet, "/v1/snapshot"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without provider got %d", resp.StatusCode)
	}
	if resp := do(t, bare.Handler, http.MethodGet, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 readiness without checker got %d", resp.StatusCode)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Config{Addr: ln.Addr().String()}, Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200 got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestServeReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := New(Config{Addr: ln.Addr().String()}, Dependencies{})
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatalf("expected address in use error")
	}
}
