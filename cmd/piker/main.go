package main

import "github.com/backtesting-org/pikerd/internal/cli"

func main() {
	cli.Execute()
}
