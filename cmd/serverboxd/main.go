// Package main is the entry point for serverboxd, the reverse-proxy and
// lifecycle daemon for ephemeral sandboxed compute instances.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/r44vc0rp/serverbox/internal/buildinfo"
	"github.com/r44vc0rp/serverbox/internal/config"
	"github.com/r44vc0rp/serverbox/internal/server"
)

// main parses flags, loads configuration from the environment, and runs
// the server until interrupted by SIGINT or SIGTERM.
//
// Flags:
//   - -version: print version information and exit
//
// Exits with status 1 on configuration error or fatal startup failure.
func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Printf("serverboxd starting (%s) on %s", buildinfo.String(), cfg.ListenAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, logger); err != nil {
		log.Fatalf("serverboxd error: %v", err)
	}
}
