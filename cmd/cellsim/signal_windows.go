//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// signalContext returns a context cancelled on the first shutdown signal.
// On Windows, only os.Interrupt (Ctrl+C) is supported; SIGTERM does not exist.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
