package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run executes the command line and returns any error encountered.
func Run(ctx context.Context, out io.Writer, args ...string) error {
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Run(ctx, os.Stdout, os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
