package directory

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/hostsync/internal/certs"
	"github.com/pingsantohq/hostsync/internal/discovery"
	"github.com/pingsantohq/hostsync/pkg/types"
)

func listing(instances ...types.InstanceRecord) types.InstanceList {
	return types.InstanceList{Role: "mongod", Instances: instances}
}

func TestFetchInstances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/roles/mongod/instances", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "hostsync-agent/test", r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"rev-1"`)
		_ = json.NewEncoder(w).Encode(listing(
			types.InstanceRecord{InstanceID: "mongod_0", Address: "10.0.0.5"},
			types.InstanceRecord{InstanceID: "mongod_1", Address: "10.0.0.6"},
		))
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL + "/", UserAgent: "hostsync-agent/test"}, Dependencies{HTTPClient: server.Client()})
	require.NoError(t, err)

	got, err := client.FetchInstances(context.Background(), "mongod")
	require.NoError(t, err)
	assert.Equal(t, []discovery.Instance{
		{ID: "mongod_0", Address: "10.0.0.5"},
		{ID: "mongod_1", Address: "10.0.0.6"},
	}, got)

	_, ok := client.lastFetched("mongod")
	assert.True(t, ok)
}

func TestFetchInstancesNotModified(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"rev-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"rev-1"`)
		_ = json.NewEncoder(w).Encode(listing(types.InstanceRecord{InstanceID: "mongod_0", Address: "10.0.0.5"}))
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL}, Dependencies{HTTPClient: server.Client()})
	require.NoError(t, err)

	first, err := client.FetchInstances(context.Background(), "mongod")
	require.NoError(t, err)
	second, err := client.FetchInstances(context.Background(), "mongod")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), calls.Load())

	// The cached list must not be shared with callers.
	second[0].Address = "mutated"
	third, err := client.FetchInstances(context.Background(), "mongod")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", third[0].Address)
}

func TestFetchInstancesNotFoundIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL}, Dependencies{HTTPClient: server.Client()})
	require.NoError(t, err)

	got, err := client.FetchInstances(context.Background(), "arbiter")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchInstancesFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		},
		"unexpected 304": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			client, err := NewClient(Config{ServerURL: server.URL}, Dependencies{HTTPClient: server.Client()})
			require.NoError(t, err)

			_, err = client.FetchInstances(context.Background(), "mongod")
			require.Error(t, err)
			assert.ErrorIs(t, err, discovery.ErrUnavailable)
		})
	}
}

func TestFetchInstancesUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewClient(Config{ServerURL: url}, Dependencies{HTTPClient: http.DefaultClient})
	require.NoError(t, err)
	_, err = client.FetchInstances(context.Background(), "mongod")
	assert.ErrorIs(t, err, discovery.ErrUnavailable)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, Dependencies{HTTPClient: http.DefaultClient})
	assert.Error(t, err)
	_, err = NewClient(Config{ServerURL: "http://directory"}, Dependencies{})
	assert.Error(t, err)
	_, err = NewClient(Config{ServerURL: "::not a url"}, Dependencies{HTTPClient: http.DefaultClient})
	assert.Error(t, err)
}

func TestFetchInstancesOverTLS(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listing(types.InstanceRecord{InstanceID: "mongod_0", Address: "10.0.0.5"}))
	}))
	defer server.Close()

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))

	httpClient, err := NewHTTPClient(server.URL, certs.Files{CAPath: caPath})
	require.NoError(t, err)

	client, err := NewClient(Config{ServerURL: server.URL}, Dependencies{HTTPClient: httpClient})
	require.NoError(t, err)

	got, err := client.FetchInstances(context.Background(), "mongod")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
