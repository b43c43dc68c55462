// Copyright 2023 The topicbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	assert.NotNil(t, ConnectionsTotal)
	assert.NotNil(t, SessionsActive)
	assert.NotNil(t, FramesReceivedTotal)
	assert.NotNil(t, DeliveriesTotal)
	assert.NotNil(t, DeliveryFailuresTotal)
	assert.NotNil(t, MalformedFramesTotal)
	assert.NotNil(t, UDPEndpointsExpiredTotal)
	assert.NotNil(t, SupervisorRestartsTotal)
}

func TestServe(t *testing.T) {
	// Find an available port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, addr, func(mux *http.ServeMux) {
			mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("pong"))
			})
		})
	}()

	// Trigger the metrics so they appear in the output.
	ConnectionsTotal.Inc()
	FramesReceivedTotal.WithLabelValues(TransportReliable, "PUBLISH").Inc()
	SupervisorRestartsTotal.WithLabelValues("test-actor").Inc()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		body, err = io.ReadAll(resp.Body)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	assert.Contains(t, string(body), "topicbus_connections_total")
	assert.Contains(t, string(body), "topicbus_frames_received_total")
	assert.Contains(t, string(body), "topicbus_supervisor_restarts_total")

	resp, err := http.Get("http://" + addr + "/ping")
	require.NoError(t, err)
	pong, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(pong))

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServe_BindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	err = Serve(context.Background(), listener.Addr().String())
	assert.Error(t, err)
}
