// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Command tbcored runs the peer-to-peer networking core as a standalone
// node process: it wires a Config from flags, constructs the Node
// Coordinator, and runs it until an interrupt signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hemicore/tbcore/service/p2p"
)

var log = loggo.GetLogger("tbcored")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tbcored: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := p2p.NewDefaultConfig()

	network := flag.String("network", "mainnet", "mainnet or testnet3")
	levelDBHome := flag.String("leveldb-home", "~/.tbcored", "LevelDB home directory")
	prometheusAddr := flag.String("prometheus-address", "", "Prometheus listen address, empty disables")
	logLevel := flag.String("log-level", "INFO", "log level")
	flag.Parse()

	cfg.Network = *network
	cfg.LevelDBHome = *levelDBHome
	cfg.PrometheusListenAddress = *prometheusAddr
	loggo.ConfigureLoggers(*logLevel)

	// Block/transaction validation is an external collaborator excluded
	// from this core's scope; nopChain satisfies the contract so the
	// synchronizer can be exercised end to end without one.
	srv, err := p2p.NewServer(cfg, &nopChain{}, nopVerifier)
	if err != nil {
		return fmt.Errorf("new server: %w", err)
	}

	if cfg.PrometheusListenAddress != "" {
		registry := prometheus.NewRegistry()
		for _, c := range srv.Metrics() {
			registry.MustRegister(c)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.PrometheusListenAddress, mux); err != nil {
				log.Errorf("prometheus listener: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("tbcored starting, network=%v", cfg.Network)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run: %w", err)
	}
	log.Infof("tbcored exiting")
	return nil
}

// nopChain is a placeholder Blockchain collaborator for standalone runs
// where no real chain validator is wired in.
type nopChain struct{}

func (nopChain) AddBlock(ctx context.Context, height uint64, hash, block []byte) error { return nil }
func (nopChain) VerifyBlock(ctx context.Context, height uint64) error                  { return nil }
func (nopChain) RemoveMempoolTransactions(ctx context.Context, block []byte) error      { return nil }

func nopVerifier(ctx context.Context, endpoint string, version int32, services uint64, userAgent string) error {
	return nil
}
