package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func TestStartMetricsServer_Endpoints(t *testing.T) {
	logger := log.WithField("test", "http")

	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	srv := startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), logger, healthHandler)
	if srv == nil {
		t.Fatal("startMetricsServer should not return nil")
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForServer(t, base+"/livez")

	cases := []struct {
		path string
		body string
	}{
		{path: "/metrics"},
		{path: "/healthz"},
		{path: "/livez", body: "ok"},
		{path: "/readyz", body: "ready"},
	}
	for _, tc := range cases {
		resp, err := http.Get(base + tc.path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", tc.path, resp.StatusCode)
		}
		if len(body) == 0 {
			t.Errorf("GET %s: expected non-empty body", tc.path)
		}
		if tc.body != "" && string(body) != tc.body {
			t.Errorf("GET %s: expected %q, got %q", tc.path, tc.body, string(body))
		}
	}
}

func TestStartMetricsServer_ReadinessFailsOnUnhealthyStorage(t *testing.T) {
	logger := log.WithField("test", "http-readiness")

	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.NewCheckFunc("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), logger, healthHandler)

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForServer(t, base+"/livez")

	for _, path := range []string{"/readyz", "/healthz"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("GET %s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestStartMetricsServer_Shutdown(t *testing.T) {
	logger := log.WithField("test", "http-shutdown")

	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), logger, healthcheck.NewHandler(version.GetVersion()))

	url := fmt.Sprintf("http://127.0.0.1:%d/livez", port)
	waitForServer(t, url)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if _, err := http.Get(url); err == nil {
		t.Error("server should be stopped after context cancellation")
	}
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, time.Second, log.WithField("test", "http-nil"))
}

func TestShutdownHTTP_WithServer(t *testing.T) {
	logger := log.WithField("test", "http-shutdown-func")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	router := http.NewServeMux()
	router.HandleFunc("/test", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("test"))
	})
	srv := &http.Server{Handler: router}
	go func() { _ = srv.Serve(listener) }()

	url := fmt.Sprintf("http://%s/test", listener.Addr())
	waitForServer(t, url)

	// Нулевой timeout заменяется значением по умолчанию.
	shutdownHTTP(srv, 0, logger)

	if _, err := http.Get(url); err == nil {
		t.Error("server should be stopped after shutdownHTTP")
	}
}

func TestStopGRPC_NilServer(_ *testing.T) {
	stopGRPC(nil, time.Second, log.WithField("test", "grpc-nil"))
}

func TestNewGRPCServer_RegistersHealth(t *testing.T) {
	logger := log.WithField("test", "grpc")

	// Повторный вызов не должен паниковать на повторной регистрации метрик.
	for i := 0; i < 2; i++ {
		srv, healthServer := newGRPCServer(logger)
		if srv == nil || healthServer == nil {
			t.Fatal("expected grpc and health servers")
		}
		if _, ok := srv.GetServiceInfo()["grpc.health.v1.Health"]; !ok {
			t.Fatal("health service must be registered")
		}
		stopGRPC(srv, time.Second, logger)
	}
}

func waitForServer(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start in time", url)
}

// findFreePort находит свободный порт для тестов
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
