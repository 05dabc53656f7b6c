package serverutil

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected an error for a nil server")
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	cfg := Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	}
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected an error when only the cert file is set")
	}
}

func TestRunReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := Config{Server: &http.Server{Addr: ln.Addr().String()}}
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an occupied port")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- Run(ctx, Config{
			Server:          &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()},
			Ready:           ready,
			ShutdownTimeout: 2 * time.Second,
		})
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v after graceful shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunUsesShutdownOverride(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	called := make(chan struct{})

	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	go func() {
		done <- Run(ctx, Config{
			Server: srv,
			Ready:  ready,
			Shutdown: func(shutdownCtx context.Context) error {
				close(called)
				return srv.Shutdown(shutdownCtx)
			},
		})
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	select {
	case <-called:
	default:
		t.Fatal("shutdown override was not invoked")
	}
}
