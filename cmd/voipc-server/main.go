// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voipc/voipc/server"
	"github.com/voipc/voipc/server/config"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "voipc-server",
		Short: "VoIPC relay server",
		Long: `The VoIPC server is a blind relay for end-to-end encrypted voice,
video and chat.  It routes sealed payloads between clients and holds
no key material for any conversation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "voipc.toml",
		"path to the server configuration file (TOML format)")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		switch {
		case errors.Is(err, server.ErrCertificateLoad):
			os.Exit(2)
		case errors.Is(err, server.ErrPortInUse):
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func runServer(configFile string) error {
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %w", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		<-rotateCh
		svr.RotateLog()
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
