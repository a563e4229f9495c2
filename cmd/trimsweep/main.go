package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trimsweep/internal/cli"
)

// main maps every outcome to a semantic exit code. An interrupt cancels the
// running stage's process group and aborts the sweep.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result, err := cli.Run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "trimsweep:", err)
	}
	os.Exit(result.ExitCode)
}
