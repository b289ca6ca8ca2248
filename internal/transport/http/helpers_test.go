package http

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/metrics"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
	"github.com/vovakirdan/wirechat-calls/internal/store"
	"github.com/vovakirdan/wirechat-calls/internal/store/memory"
)

// createTestService builds a call service on the memory store with
// synthetic media and simulated peers.
func createTestService(t *testing.T, st store.Store, userID string, m *metrics.Metrics) *calls.Service {
	t.Helper()

	svc, err := calls.New(calls.Deps{
		Self:   store.Participant{UserID: userID},
		Store:  st,
		Source: media.NewSyntheticSource(),
		Drivers: func(context.Context) (peer.Driver, error) {
			return peer.NewSimulated(5*time.Millisecond, nil), nil
		},
		Metrics: m,
	}, nil)
	if err != nil {
		t.Fatalf("failed to create call service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func createTestStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// startTestServer serves the UI bridge for userID backed by st.
func startTestServer(t *testing.T, st store.Store, userID string) (*httptest.Server, *calls.Service) {
	t.Helper()

	reg := prometheus.NewRegistry()
	svc := createTestService(t, st, userID, metrics.New(reg))
	disabledLogger := zerolog.Nop()

	ts := httptest.NewServer(NewHandler(svc, reg, userID, &disabledLogger))
	t.Cleanup(ts.Close)
	return ts, svc
}
