// Command jugglerd serves the example browser handlers over a pipe or a
// WebSocket. It is configured entirely from the environment; see package
// config for the variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "jugglerd:", err)
		os.Exit(1)
	}
}
