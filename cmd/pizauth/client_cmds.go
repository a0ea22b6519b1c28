package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ltratt/pizauthd/internal/controlsocket"
	"github.com/ltratt/pizauthd/internal/socket"
)

// dialDaemon opens one connection to the running daemon for a single
// request/response exchange; the CLI never keeps a socket open.
func dialDaemon() (*controlsocket.Client, error) {
	path := resolveSocketPath()
	if !socket.IsSocketAvailable(path) {
		return nil, fmt.Errorf("pizauth daemon not running (no socket at %s)", path)
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientDialTimeout)
	defer cancel()
	c, err := controlsocket.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("connect to pizauth daemon: %w", err)
	}
	return c, nil
}

func newShowCmd() *cobra.Command {
	var suppressURL bool
	cmd := &cobra.Command{
		Use:   "show <account>",
		Short: "Print an account's access token, starting authorisation if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowOrRefresh("show", args[0], suppressURL)
		},
	}
	cmd.Flags().BoolVarP(&suppressURL, "no-url", "u", false, "Don't print the authorisation URL on failure")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	var suppressURL bool
	cmd := &cobra.Command{
		Use:   "refresh <account>",
		Short: "Trigger a non-blocking refresh (or auth flow) for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowOrRefresh("refresh", args[0], suppressURL)
		},
	}
	cmd.Flags().BoolVarP(&suppressURL, "no-url", "u", false, "Don't print the authorisation URL")
	return cmd
}

func runShowOrRefresh(verb, account string, suppressURL bool) error {
	c, err := dialDaemon()
	if err != nil {
		return fail("%s", err)
	}
	defer c.Close()

	line := verb + " " + account
	if suppressURL {
		line += " -u"
	}
	reply, err := c.Command(line, nil)
	if err != nil {
		return fail("%s", err)
	}
	if !reply.OK {
		return fail("%s", reply.Text)
	}
	if reply.Text != "" {
		fmt.Println(reply.Text)
	}
	return nil
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <account>",
		Short: "Discard an account's token and any in-flight authorisation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleCommand("revoke " + args[0])
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to reload its config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleCommand("reload")
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleCommand("shutdown")
		},
	}
}

func simpleCommand(line string) error {
	c, err := dialDaemon()
	if err != nil {
		return fail("%s", err)
	}
	defer c.Close()

	reply, err := c.Command(line, nil)
	if err != nil {
		return fail("%s", err)
	}
	if !reply.OK {
		return fail("%s", reply.Text)
	}
	return nil
}

func newInfoCmd() *cobra.Command {
	var jsonFormat bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the daemon's cache dir, config path and version",
		RunE: func(cmd *cobra.Command, args []string) error {
			line := "info"
			if jsonFormat {
				line += " -j"
			}
			return printCommand(line)
		},
	}
	cmd.Flags().BoolVarP(&jsonFormat, "json", "j", false, "Print as JSON")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a per-account status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCommand("status")
		},
	}
}

func printCommand(line string) error {
	c, err := dialDaemon()
	if err != nil {
		return fail("%s", err)
	}
	defer c.Close()

	reply, err := c.Command(line, nil)
	if err != nil {
		return fail("%s", err)
	}
	if !reply.OK {
		return fail("%s", reply.Text)
	}
	fmt.Fprintln(os.Stdout, reply.Text)
	return nil
}
