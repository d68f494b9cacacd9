package discovery

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(urls ...string) *Service {
	return NewService(&Config{
		Ports:           nil, // no port sweep in tests
		CustomURLs:      urls,
		Timeout:         time.Second,
		RefreshInterval: time.Hour,
	}, zerolog.Nop())
}

func TestScanFindsGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"cortex-gateway","version":"1.4.0","agents_active":3,"uptime_seconds":120}`))
	}))
	defer srv.Close()

	s := testService(srv.URL)

	list := s.Scan()
	require.Len(t, list, 1)

	gw := list[0]
	assert.Equal(t, "cortex-gateway", gw.Name)
	assert.Equal(t, "1.4.0", gw.Version)
	assert.Equal(t, "online", gw.Status)
	assert.Equal(t, 3, gw.AgentsActive)
	assert.False(t, gw.RequiresAuth)

	require.NoError(t, s.Select(gw.ID))
	selected := s.GetSelected()
	require.NotNil(t, selected)
	assert.Equal(t, gw.ID, selected.ID)
}

func TestScanMarksVanishedGatewayOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"gw","version":"1.0.0"}`))
	}))

	s := testService(srv.URL)
	require.Len(t, s.Scan(), 1)

	srv.Close()

	list := s.Scan()
	require.Len(t, list, 1)
	assert.Equal(t, "offline", list[0].Status)
}

func TestProbeDetectsAuthRequirement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := testService(srv.URL)

	list := s.Scan()
	require.Len(t, list, 1)
	assert.Equal(t, "online", list[0].Status)
	assert.True(t, list[0].RequiresAuth)
}

func TestSelectUnknownGateway(t *testing.T) {
	s := testService()
	assert.Error(t, s.Select("http://nope:1"))
}

func TestOnUpdateCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"gw","version":"1.0.0"}`))
	}))
	defer srv.Close()

	s := testService(srv.URL)

	var got []*Gateway
	s.SetOnUpdate(func(list []*Gateway) { got = list })

	s.Scan()
	require.Len(t, got, 1)
	assert.Equal(t, "gw", got[0].Name)
}
