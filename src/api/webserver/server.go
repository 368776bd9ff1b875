package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stake-plus/agentexec/src/logging"
)

const shutdownGrace = 5 * time.Second

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests. A non-empty certFile/keyFile pair switches to TLS with hot
// certificate reload.
func Serve(ctx context.Context, addr string, handler http.Handler, certFile, keyFile string) error {
	logger := logging.New("api")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger,
	}

	tlsOn := certFile != "" && keyFile != ""
	if tlsOn {
		reloader, err := NewTLSReloader(ctx, certFile, keyFile, logger)
		if err != nil {
			return fmt.Errorf("webserver: tls: %w", err)
		}
		srv.TLSConfig = reloader.GetConfig()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webserver: listen %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (tls=%t)", ln.Addr(), tlsOn)
		if tlsOn {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webserver: shutdown: %w", err)
	}
	logger.Printf("stopped")
	return nil
}
