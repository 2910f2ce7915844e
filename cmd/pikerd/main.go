package main

import (
	"fmt"
	"os"

	"github.com/backtesting-org/pikerd/internal/cli"
	"github.com/backtesting-org/pikerd/internal/config"
)

// pikerd runs the daemon alone, configured purely from the environment.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cli.NewDaemon(cfg).Run()
}
