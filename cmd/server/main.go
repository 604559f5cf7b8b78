// Command server runs the ustaplace platform API: escrow lifecycle,
// projects, notifications and websocket call signaling.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ustaplace/platform/internal/config"
	"github.com/ustaplace/platform/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
