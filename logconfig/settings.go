package logconfig

import (
	"io"
	"os"
	"strings"

	myLogger "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileMaxSizeMB  = 50
	logFileMaxBackups = 5
	logFileMaxAgeDays = 30
)

// This output format is used in the test (has terminal).
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

func ConfigInfoLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
	myLogger.SetFormatter(&myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}

// This output format is used in production.
func ConfigProductionLogger() {
	myLogger.SetLevel(myLogger.InfoLevel)
}

// ConfigLogger sets the level by name ("debug", "info", ...) and, if file
// is not empty, also writes to a size rotated log file.
// An empty level keeps the production preset.
func ConfigLogger(level string, file string) (io.Closer, error) {
	switch level = strings.ToLower(strings.TrimSpace(level)); level {
	case "":
		ConfigProductionLogger()
		myLogger.SetReportCaller(false)
	case "debug":
		ConfigDebugLogger()
	default:
		lvl, err := myLogger.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		ConfigProductionLogger()
		myLogger.SetLevel(lvl)
		myLogger.SetReportCaller(lvl > myLogger.DebugLevel)
	}

	if file == "" {
		myLogger.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
		Compress:   true,
	}
	myLogger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator, nil
}
