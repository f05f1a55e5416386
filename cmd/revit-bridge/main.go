package main

import (
	"os"

	"github.com/okuno-dsi/revit-mcp-bridge/internal/cmd"
)

// Populated by the release build via -ldflags -X.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
