package logconfig

import (
	"strings"

	myLogger "github.com/sirupsen/logrus"
)

// This output format is used in the tests (has terminal).
func ConfigDebugLogger() {
	myLogger.SetReportCaller(true)
	myLogger.SetLevel(myLogger.DebugLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

// Used by the CLI subcommands that print to a terminal.
func ConfigInfoLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

// This output format is used by the long running bridge server. Level is
// one of logrus' level names; unknown names fall back to info.
func ConfigProductionLogger(level string) {
	lvl, err := myLogger.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = myLogger.InfoLevel
	}
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(lvl)
	myLogger.SetFormatter(&myLogger.JSONFormatter{})
}
