package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Write every account's state as a binary blob to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDaemon()
			if err != nil {
				return fail("%s", err)
			}
			defer c.Close()

			reply, err := c.Command("dump", nil)
			if err != nil {
				return fail("%s", err)
			}
			if !reply.OK {
				return fail("%s", reply.Text)
			}
			if _, err := os.Stdout.Write(reply.Payload); err != nil {
				return fail("write dump to stdout: %s", err)
			}
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore account state from a blob previously written by dump, read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fail("read dump from stdin: %s", err)
			}

			c, err := dialDaemon()
			if err != nil {
				return fail("%s", err)
			}
			defer c.Close()

			reply, err := c.Command("restore", data)
			if err != nil {
				return fail("%s", err)
			}
			if !reply.OK {
				return fail("%s", reply.Text)
			}
			return nil
		},
	}
}
