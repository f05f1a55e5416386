package observability

import "go.uber.org/zap"

// CLILogger is the process-wide logger for interactive commands. It
// starts as a no-op so package init order never matters; InitCLILogger
// replaces it once flags are parsed.
var CLILogger = zap.NewNop()

// InitCLILogger builds the console logger for the given level and
// installs it as CLILogger and the zap global.
func InitCLILogger(level string) error {
	log, err := NewLogger(level, "cli")
	if err != nil {
		return err
	}
	CLILogger = log
	zap.ReplaceGlobals(log)
	return nil
}
