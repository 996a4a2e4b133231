// Command ctl is the control plane's CLI facade (C8, spec §4.7): enqueues
// commands with source="cli", drains the queue, triggers the kill-switch,
// reports health, and can run the worker loop and chat-ingress poller as
// long-running processes. Styled after the teacher's cmd/pulse/main.go:
// cobra command tree, zerolog console logging, signal-driven shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marketlab/ctlplane/internal/logging"
)

const (
	exitOK             = 0
	exitConfigOrHealth = 2
	exitAuth           = 3
	exitStorage        = 4
)

func main() {
	logging.Init()

	root := &cobra.Command{
		Use:           "ctl",
		Short:         "MarketLab control plane CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newEnqueueCmd(),
		newDrainCmd(),
		newStopNowCmd(),
		newHealthCmd(),
		newWorkerCmd(),
		newChatCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if ce, ok := err.(*exitCodeError); ok {
			os.Exit(ce.code)
		}
		os.Exit(exitStorage)
	}
}

// exitCodeError lets subcommands propagate a specific exit code through
// cobra's error-returning RunE without cobra itself interpreting it.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }

func exitErr(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("ctl (marketlab control plane)")
			return nil
		},
	}
}
