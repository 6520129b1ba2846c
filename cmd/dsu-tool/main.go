package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/dsu-installer/cmd/dsu-tool/commands"
)

func main() {
	// stdout carries command output; logs go to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
