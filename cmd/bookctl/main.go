package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"github.com/local/cratere/internal/cli"
	logpkg "github.com/local/cratere/internal/logger"
)

const version = "0.3.0"

func main() {
	root := cli.NewRootCmd()
	defer logpkg.Close()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		logpkg.Close()
		os.Exit(1)
	}
}
