// Package serverutil runs an http.Server until its context ends, then
// drains it and runs shutdown hooks such as flushing the KV store.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig holds certificate and key paths for a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Hook runs after the HTTP server has drained. It receives the remaining
// shutdown budget.
type Hook func(ctx context.Context) error

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server *http.Server
	// Listener overrides Server.Addr when set.
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnShutdown hooks run in order after the server stops, on both
	// graceful exit and serve failure.
	OnShutdown []Hook
}

// DefaultShutdownTimeout bounds draining and hooks together.
const DefaultShutdownTimeout = 15 * time.Second

// Run serves until ctx is cancelled or the server fails, then shuts down
// within ShutdownTimeout and runs the OnShutdown hooks. Errors from serving,
// draining and hooks are joined.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	var runErr error
	served := false
	select {
	case err := <-serveErr:
		served = true
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !served {
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("shutdown http server: %w", err)
		}
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) && runErr == nil {
				runErr = err
			}
		case <-shutdownCtx.Done():
			if runErr == nil {
				runErr = shutdownCtx.Err()
			}
		}
	}

	errs := []error{runErr}
	for _, hook := range cfg.OnShutdown {
		if hook == nil {
			continue
		}
		errs = append(errs, hook(shutdownCtx))
	}
	return errors.Join(errs...)
}

func listen(cfg Config) (net.Listener, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return nil, err
		}
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
