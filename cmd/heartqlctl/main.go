package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/heartql/heartql/internal/cli/heartqlctl"
)

func main() {
	options, err := heartqlctl.OptionsFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	options.Stdin = os.Stdin
	options.Stdout = os.Stdout
	options.Stderr = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := heartqlctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}
