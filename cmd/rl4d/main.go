// rl4d is the cognitive recorder daemon: point it at a workspace root
// and it watches, ingests, and periodically snapshots that workspace
// into its own reserved directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/kernel"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rl4d v%s - cognitive recorder daemon

Usage: rl4d [options] <workspace-root>

Options:
`, version)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("rl4d v%s\n", version)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	root := flag.Arg(0)

	var log *zap.Logger
	var err error
	if *debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	core, err := kernel.New(kernel.Options{WorkspaceRoot: root, Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	core.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ipcDone := make(chan error, 1)
	go func() {
		ipcDone <- core.ServeIPC(os.Stdin, os.Stdout)
	}()

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-ipcDone:
		if err != nil {
			log.Warn("ipc channel closed", zap.Error(err))
		}
	}

	if err := core.Shutdown(); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}
