package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"unigate/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	stop()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "unigate: interrupted")
	default:
		fmt.Fprintf(os.Stderr, "unigate: %v\n", err)
		os.Exit(1)
	}
}
