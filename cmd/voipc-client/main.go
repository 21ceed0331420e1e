// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/voipc/voipc/client"
	"github.com/voipc/voipc/client/config"
	"github.com/voipc/voipc/core/utils"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "voipc-client",
		Short: "VoIPC headless client",
		Long: `The VoIPC client connects to a relay server, joins channels and
prints the event stream.  All chat and media is end-to-end encrypted;
local state is kept in a passphrase-protected vault.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(configFile)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "voipc-client.toml",
		"path to the client configuration file (TOML format)")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// readPassphrase prompts without echo on a terminal and falls back to
// a plain line read when stdin is a pipe.
func readPassphrase() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Vault passphrase: ")
		p, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return p, err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func runClient(configFile string) error {
	syscall.Umask(0077)

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	passphrase, err := readPassphrase()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %v", err)
	}
	defer utils.ExplicitBzero(passphrase)

	c, err := client.New(cfg, passphrase)
	if err != nil {
		return fmt.Errorf("failed to create client: %v", err)
	}
	defer c.Shutdown()

	if err := c.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %v", err)
	}
	fp := c.Messaging().Fingerprint()
	fmt.Printf("identity fingerprint: %x\n", fp[:8])

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-haltCh:
			return nil
		case ev := <-c.Events():
			printEvent(c, ev)
			if _, ok := ev.(client.OfflineEvent); ok {
				return fmt.Errorf("connection lost for good")
			}
		}
	}
}

func printEvent(c *client.Client, ev client.Event) {
	switch e := ev.(type) {
	case client.ConnectedEvent:
		fmt.Printf("connected as user %d\n", e.UserID)
	case client.DisconnectedEvent:
		fmt.Printf("disconnected: %v\n", e.Err)
	case client.ReconnectingEvent:
		fmt.Printf("reconnecting (attempt %d, waiting %v)\n", e.Attempt, e.Wait)
	case client.OfflineEvent:
		fmt.Println("offline")
	case client.UserJoinedEvent:
		fmt.Printf("%s is in channel %d\n", e.User.Username, e.User.ChannelID)
	case client.UserLeftEvent:
		fmt.Printf("user %d left\n", e.UserID)
	case client.MovedToChannelEvent:
		fmt.Printf("moved to channel %d\n", e.ChannelID)
	case client.KickedEvent:
		fmt.Printf("kicked by user %d: %s\n", e.ByUserID, e.Reason)
	case client.InviteReceivedEvent:
		fmt.Printf("%s invited you to channel %q\n", e.InviterUsername, e.ChannelName)
	case client.MessageEvent:
		fmt.Printf("[%s] <%d> %s\n", e.Conversation, e.SenderID, e.Body)
	case client.PokeEvent:
		fmt.Printf("poke from user %d: %s\n", e.SenderID, e.Body)
	case client.LatencyEvent:
		// Periodic; too noisy to print.
	case client.ScreenShareEvent:
		verb := "stopped"
		if e.Active {
			verb = "started"
		}
		fmt.Printf("user %d %s sharing\n", e.SharerID, verb)
	case client.ServerShutdownEvent:
		fmt.Println("server is shutting down")
	default:
		_ = c
	}
}
