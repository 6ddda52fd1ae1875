package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	cliframework "github.com/urfave/cli/v3"

	"github.com/tobert/csvedit-mcp/internal/cli"
)

const version = "0.1.0-dev"

func main() {
	// A .env file in the working directory may carry CSVEDIT_* settings.
	_ = godotenv.Load()

	app := &cliframework.Command{
		Name:    "csvedit-mcp",
		Usage:   "CSV editing MCP server with undo/redo history and auto-save",
		Version: version,
		Commands: []*cliframework.Command{
			cli.ServeCommand(version),
			cli.DoctorCommand(version),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ error: %v\n", err)
		os.Exit(1)
	}
}
