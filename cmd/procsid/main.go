// Command procsid is the daemon entrypoint: it wires the repository,
// event log, interceptor loader/runner, replay tracker/engine, proxy
// pipeline, and control socket together and serves them until signaled
// to stop. Grounded on the teacher's main() wiring shape in main.go
// (load config, build the proxy, listen), generalized from a single
// hardcoded ReverseProxy into the daemon's full component graph, and on
// internal/ledger/worker.go's Shutdown(timeout) drain pattern for
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/procsi/procsid/internal/config"
	"github.com/procsi/procsid/internal/control"
	"github.com/procsi/procsid/internal/eventlog"
	"github.com/procsi/procsid/internal/interceptor"
	"github.com/procsi/procsid/internal/logging"
	"github.com/procsi/procsid/internal/proxy"
	"github.com/procsi/procsid/internal/replay"
	"github.com/procsi/procsid/internal/repository"
)

// eventLogCapacity matches spec.md §5's "(b) event log capped at ~5000".
const eventLogCapacity = 5000

// defaultSessionID attributes any request that didn't carry (or failed)
// session attribution, per spec.md §4.6.
const defaultSessionID = "default"

// tokenPurgeInterval is how often the daemon sweeps expired,
// never-consumed replay tokens (spec.md §9 "background tasks with
// ownership").
const tokenPurgeInterval = 30 * time.Second

func main() {
	projectDir := "."
	if len(os.Args) > 1 {
		projectDir = os.Args[1]
	}

	if err := run(projectDir); err != nil {
		logging.Critical("daemon_start_failed", logging.Fields{Component: "procsid", Error: err.Error()})
		os.Exit(1)
	}
}

func run(projectDir string) error {
	dotDir := config.ProjectDir(projectDir)
	if err := os.MkdirAll(dotDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dotDir, err)
	}

	logFile, err := os.OpenFile(filepath.Join(dotDir, "procsi.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	logging.SetOutput(logFile)

	cfg, err := config.Load(filepath.Join(dotDir, "config.json"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	repo, err := repository.Open(filepath.Join(dotDir, "requests.db"), cfg.MaxStoredRequests)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer repo.Close()

	events, err := eventlog.New(eventLogCapacity)
	if err != nil {
		return fmt.Errorf("creating event log: %w", err)
	}

	interceptorsDir := filepath.Join(dotDir, "interceptors")
	loader, err := interceptor.NewLoader(interceptorsDir, events)
	if err != nil {
		return fmt.Errorf("creating interceptor loader: %w", err)
	}
	defer loader.Stop()

	runner, err := interceptor.NewRunner(loader, events)
	if err != nil {
		return fmt.Errorf("creating interceptor runner: %w", err)
	}
	defer runner.Stop()

	tracker := replay.NewTracker()

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listening for proxy: %w", err)
	}
	defer proxyListener.Close()
	proxyAddr := proxyListener.Addr().String()

	engine, err := replay.NewEngine(repo, tracker, proxyAddr)
	if err != nil {
		return fmt.Errorf("creating replay engine: %w", err)
	}

	pipeline := proxy.NewPipeline(repo, runner, tracker, defaultSessionID, cfg.MaxBodySize)
	proxyServer := &http.Server{Handler: pipeline.Handler()}

	socketPath := filepath.Join(dotDir, "control.sock")
	os.Remove(socketPath) // a stale socket from a crashed prior run must not block bind
	controlListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket: %w", err)
	}
	defer os.Remove(socketPath)

	controlServer := control.New()
	control.RegisterAll(controlServer, &control.Deps{
		Repo:    repo,
		Runner:  runner,
		Loader:  loader,
		Tracker: tracker,
		Engine:  engine,
		Events:  events,
		Started: time.Now(),
	})

	if err := writeStateFiles(dotDir, proxyListener.Addr()); err != nil {
		return fmt.Errorf("writing state files: %w", err)
	}
	defer removeStateFiles(dotDir)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	loader.Watch(pollInterval) // starts its own background goroutine
	go purgeExpiredTokensLoop(ctx, tracker)

	errCh := make(chan error, 2)
	go func() {
		if err := proxyServer.Serve(proxyListener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		if err := controlServer.Serve(controlListener); err != nil {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	logging.Info("daemon_started", logging.Fields{Component: "procsid"})

	select {
	case sig := <-sigCh:
		logging.Info(fmt.Sprintf("daemon_signal_received: %s", sig), logging.Fields{Component: "procsid"})
	case err := <-errCh:
		logging.Error("daemon_listener_failed", logging.Fields{Component: "procsid", Error: err.Error()})
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("proxy_shutdown_failed", logging.Fields{Component: "procsid", Error: err.Error()})
	}
	if err := controlServer.Shutdown(); err != nil {
		logging.Warn("control_shutdown_failed", logging.Fields{Component: "procsid", Error: err.Error()})
	}
	return nil
}

func purgeExpiredTokensLoop(ctx context.Context, tracker *replay.Tracker) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.PurgeExpired()
		}
	}
}

func writeStateFiles(dotDir string, proxyAddr net.Addr) error {
	_, portStr, err := net.SplitHostPort(proxyAddr.String())
	if err != nil {
		return fmt.Errorf("parsing proxy address: %w", err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("proxy port %q is not numeric: %w", portStr, err)
	}
	if err := os.WriteFile(filepath.Join(dotDir, "proxy.port"), []byte(portStr), 0o644); err != nil {
		return fmt.Errorf("writing proxy.port: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dotDir, "daemon.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing daemon.pid: %w", err)
	}
	return nil
}

func removeStateFiles(dotDir string) {
	os.Remove(filepath.Join(dotDir, "proxy.port"))
	os.Remove(filepath.Join(dotDir, "daemon.pid"))
}
