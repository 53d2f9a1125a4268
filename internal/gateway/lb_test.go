package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"campusbroker/internal/protocol"
)

func TestLoadBalancedAcceptedRoundTrip(t *testing.T) {
	startFakeBroker(t, "127.0.0.1:18651", "127.0.0.1:18652")

	store := freshStore(t)
	gw, err := NewLoadBalanced(1, "Ingenieria", "2025-2", store, []string{"127.0.0.1:18651"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	require.Eventually(t, func() bool { return gw.liveEndpoint() != "" }, 3*time.Second, 50*time.Millisecond)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	body, err := json.Marshal(protocol.ProgramRequest{Programa: "Civil", Salones: 1})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/request", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var res protocol.RES
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Equal(t, protocol.StatusAccepted, res.Status)
}

func TestLoadBalancedNoLiveServer(t *testing.T) {
	store := freshStore(t)
	gw, err := NewLoadBalanced(1, "Ingenieria", "2025-2", store, []string{"127.0.0.1:18661"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	body, err := json.Marshal(protocol.ProgramRequest{Programa: "Civil", Salones: 1})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/request", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var res protocol.RES
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Equal(t, protocol.StatusErrNoServer, res.Status)
}
