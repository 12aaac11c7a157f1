// Command cris-import runs the CRIS extract import pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"crisimport/internal/cli"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cli.Main(ctx, cli.DefaultEnv(), args)
}
