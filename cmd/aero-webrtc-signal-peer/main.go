// Command aero-webrtc-signal-peer is a headless endpoint for the signaling
// relay. `send` publishes an Ogg/Opus file as the sender; `receive` negotiates
// with the current sender and records its audio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
