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

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport label values.
const (
	TransportReliable   = "reliable"
	TransportUnreliable = "unreliable"
)

var (
	// ConnectionsTotal counts accepted reliable connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topicbus_connections_total",
		Help: "The total number of reliable connections accepted by the broker.",
	})

	// SessionsActive tracks live reliable sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topicbus_sessions_active",
		Help: "The number of reliable sessions currently open.",
	})

	// FramesReceivedTotal counts well-formed inbound frames.
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topicbus_frames_received_total",
		Help: "The total number of frames received, by transport and frame type.",
	},
		[]string{"transport", "type"},
	)

	// DeliveriesTotal counts DELIVER frames handed to a subscriber's transport.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topicbus_deliveries_total",
		Help: "The total number of DELIVER frames sent to subscribers.",
	},
		[]string{"transport"},
	)

	// DeliveryFailuresTotal counts fan-out sends that failed.
	DeliveryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topicbus_delivery_failures_total",
		Help: "The total number of DELIVER frames that could not be sent.",
	},
		[]string{"transport"},
	)

	// MalformedFramesTotal counts frames rejected by the codec.
	MalformedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topicbus_malformed_frames_total",
		Help: "The total number of malformed frames or datagrams received.",
	},
		[]string{"transport"},
	)

	// UDPEndpointsExpiredTotal counts datagram endpoints dropped for inactivity.
	UDPEndpointsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topicbus_udp_endpoints_expired_total",
		Help: "The total number of unreliable endpoints whose subscriptions expired.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topicbus_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done. Each routes function can
// add handlers to the same mux. It returns nil after a clean shutdown.
func Serve(ctx context.Context, addr string, routes ...func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	for _, register := range routes {
		register(mux)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
