package main

import (
	"log/slog"
	"os"

	"github.com/buildhost/ec2-builder/cmd/ec2-builder/commands"
)

func main() {
	// Logs go to stderr so stdout carries only command output such as the
	// published image id.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
