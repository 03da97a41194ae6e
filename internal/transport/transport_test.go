package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookPath(name string) (string, error) { return exec.LookPath(name) }

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("inproc")
	require.False(t, ok)

	c := NewInProcessClient(nil)
	r.Register("inproc", c)

	got, ok := r.Get("inproc")
	require.True(t, ok)
	require.Same(t, c, got)
}

func TestInProcessClientInvoke(t *testing.T) {
	c := NewInProcessClient(map[string]InProcessFunc{
		"echo": func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": input["value"]}, nil
		},
	})

	resp, err := c.Invoke(context.Background(), Request{
		Capability: "echo",
		Input:      map[string]any{"value": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Output["echoed"])
}

func TestInProcessClientUnregistered(t *testing.T) {
	c := NewInProcessClient(nil)
	_, err := c.Invoke(context.Background(), Request{Capability: "missing"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestHTTPClientInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"received": in["x"]})
	}))
	defer srv.Close()

	c := NewHTTPClient(2 * time.Second)
	resp, err := c.Invoke(context.Background(), Request{
		Capability: "remote",
		Endpoint:   srv.URL,
		Input:      map[string]any{"x": float64(7)},
	})
	require.NoError(t, err)
	require.Equal(t, float64(7), resp.Output["received"])
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHTTPClient(2 * time.Second)
	_, err := c.Invoke(context.Background(), Request{Endpoint: srv.URL, Input: map[string]any{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestStdioClientEcho(t *testing.T) {
	if _, err := lookPath("cat"); err != nil {
		t.Skip("cat not available on this system")
	}
	c, err := NewStdioClient(context.Background(), "cat")
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Invoke(context.Background(), Request{Input: map[string]any{"greeting": "hello"}})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Output["greeting"])
}

func TestStdioClientContextCancel(t *testing.T) {
	if _, err := lookPath("sleep"); err != nil {
		t.Skip("sleep not available on this system")
	}
	c, err := NewStdioClient(context.Background(), "sleep", "5")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, Request{Input: map[string]any{}})
	require.Error(t, err)
}

func TestContainerClientDefaultsRuntime(t *testing.T) {
	c := NewContainerClient("", "myimage")
	require.Equal(t, "docker", c.runtime)
}

func TestContainerClientInvokeMissingRuntime(t *testing.T) {
	c := NewContainerClient("conductor-nonexistent-runtime-xyz", "myimage")
	_, err := c.Invoke(context.Background(), Request{Input: map[string]any{}})
	require.Error(t, err)
}
