package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latchdb/latch/internal/api"
	"github.com/latchdb/latch/internal/buildinfo"
	"github.com/latchdb/latch/internal/config"
	"github.com/latchdb/latch/internal/engine"
	"github.com/latchdb/latch/internal/store"
)

func main() {
	configFile := flag.String("config", "", "optional path to a latch.yaml config file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address for the cache API")
	flag.Parse()

	log.Printf("latch %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	envCfg, err := config.LoadEnvConfig(*configFile)
	if err != nil {
		fatalf("%v", err)
	}

	runtimeCfg := config.FromEnv(envCfg)
	adapter, err := store.Open(envCfg.DBURL, envCfg.MaxConnections, runtimeCfg.MaintenanceSchedule)
	if err != nil {
		fatalf("open store: %v", err)
	}
	log.Printf("store opened at %s (max_connections=%d)", envCfg.DBURL, envCfg.MaxConnections)

	eng, err := engine.New(adapter, runtimeCfg)
	if err != nil {
		fatalf("build engine: %v", err)
	}
	eng.Start()
	log.Println("cache engine started: flush and eviction workers running")

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: api.NewRouter(eng),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("latch API listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-serverErrCh:
		runtimeErr = err
		log.Printf("API server reported an error (%v), shutting down", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}

	if err := eng.Stop(shutdownCtx); err != nil {
		log.Printf("engine stop reported an error: %v", err)
	}
	log.Println("shutdown complete")

	if runtimeErr != nil {
		fatalf("runtime error: %v", runtimeErr)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
