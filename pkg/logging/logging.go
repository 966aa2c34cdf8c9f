// Package logging configures jwalterweatherman for the binaries.
package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ParseLevel maps a level name to a jww threshold.
func ParseLevel(level string) (jww.Threshold, error) {
	switch strings.ToLower(level) {
	case "trace":
		return jww.LevelTrace, nil
	case "debug":
		return jww.LevelDebug, nil
	case "", "info":
		return jww.LevelInfo, nil
	case "warn", "warning":
		return jww.LevelWarn, nil
	case "error":
		return jww.LevelError, nil
	case "critical":
		return jww.LevelCritical, nil
	case "fatal":
		return jww.LevelFatal, nil
	}
	return jww.LevelInfo, errors.Errorf("unknown log level %q", level)
}

// Init sends logs to logPath (stdout stays quiet) or, for "" and "-", to
// stdout only. The returned closer releases the log file.
func Init(level, logPath string) (io.Closer, error) {
	threshold, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var closer io.Closer = nopCloser{}
	if logPath != "" && logPath != "-" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.WithMessagef(err, "error opening log file %s", logPath)
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(f)
		closer = f
	}

	// Display microseconds if the threshold is set to TRACE or DEBUG
	if threshold == jww.LevelTrace || threshold == jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	jww.INFO.Printf("Log level set to: %s", threshold)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
