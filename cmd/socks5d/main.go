// Command socks5d runs the SOCKS5 proxy server and its out-of-band
// management listener on a single epoll-driven event loop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vantage-io/socks5d/internal/config"
	"github.com/vantage-io/socks5d/internal/logging"
	"github.com/vantage-io/socks5d/internal/mgmt"
	"github.com/vantage-io/socks5d/internal/metrics"
	"github.com/vantage-io/socks5d/internal/mux"
	"github.com/vantage-io/socks5d/internal/proxy"
	"github.com/vantage-io/socks5d/internal/userstore"
)

// idleSweepInterval is how often the main loop checks for relaying
// connections that have gone quiet past --idle-timeout.
const idleSweepInterval = 5 * time.Second

// selectTimeoutMillis bounds how long a single Select call blocks, so the
// loop wakes up often enough to notice signals and run the idle sweep even
// when the proxy is otherwise silent.
const selectTimeoutMillis = 250

func main() {
	root := config.NewRootCommand(run)
	if err := root.Execute(); err != nil {
		logging.Default().Error("socks5d exiting", "error", err)
		if _, ok := err.(runtimeError); ok {
			os.Exit(exitRuntimeErr)
		}
		os.Exit(exitSetupError)
	}
}

const (
	exitOK         = 0
	exitSetupError = 1
	exitRuntimeErr = 2
)

func run(cfg config.Config) error {
	log := logging.NewLogger(&logging.Config{Level: cfg.LogLevel, Output: os.Stderr})
	logging.SetDefault(log)

	sel, err := mux.New(4096)
	if err != nil {
		return fmt.Errorf("socks5d: start selector: %w", err)
	}
	defer sel.Close()

	store := userstore.New(userstore.DefaultLogCapacity)
	if cfg.SeedAdminUser != "" {
		store.SeedUser(cfg.SeedAdminUser, cfg.SeedAdminPass, config.SeedRole)
		log.Info("seeded admin account", "user", cfg.SeedAdminUser)
	}

	m := metrics.New()

	mgmtSrv := mgmt.NewServer(sel, store, m, log)
	if err := mgmtSrv.Listen(cfg.MgmtAddr()); err != nil {
		return fmt.Errorf("socks5d: start management listener: %w", err)
	}
	defer mgmtSrv.Close()

	core, err := proxy.New(sel, store, m, log, proxy.Config{
		AuthEnabled:    cfg.Auth == config.AuthPassword,
		PreferPassword: cfg.PreferPassword,
		IdleTimeout:    cfg.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("socks5d: start proxy core: %w", err)
	}
	if err := core.Listen(cfg.Addr()); err != nil {
		return fmt.Errorf("socks5d: start SOCKS5 listener: %w", err)
	}
	defer core.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	log.Info("socks5d ready", "socks_addr", cfg.Addr(), "mgmt_addr", cfg.MgmtAddr(), "auth", string(cfg.Auth))

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
			return nil
		case <-ticker.C:
			core.SweepIdle()
		default:
		}

		if err := sel.Select(selectTimeoutMillis); err != nil {
			log.Error("selector failed", "error", err)
			return runtimeError{err}
		}
	}
}

// runtimeError marks a failure that occurred after startup completed, so
// main can distinguish a setup failure from a runtime one for its exit code.
type runtimeError struct{ err error }

func (r runtimeError) Error() string { return r.err.Error() }
func (r runtimeError) Unwrap() error { return r.err }
