package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	serviceName = "secret-rotator"

	FormatJSON    = "json"
	FormatConsole = "console"
)

//nolint:gochecknoglobals
var Logger zerolog.Logger

// Init replaces the global logger once configuration is known. Loggers derived from the
// previous one keep writing with their old fields.
func Init(appID, levelStr, format string) {
	zerolog.SetGlobalLevel(ParseLevel(levelStr))
	Logger = newLogger(writerFor(format, os.Stdout)).With().Str("app_id", appID).Logger()
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
}

// writerFor wraps out in a human readable writer for the console format.
func writerFor(format string, out io.Writer) io.Writer {
	if strings.EqualFold(format, FormatConsole) {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}
	return out
}

// ParseLevel maps a textual level to a zerolog level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil || levelStr == "" || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

//nolint:gochecknoinits
func init() {
	if isTestSilentMode() {
		Logger = zerolog.New(io.Discard)
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return
	}
	Logger = newLogger(os.Stdout)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func isTestSilentMode() bool {
	silent := os.Getenv("TEST_SILENT")
	return isTestMode() && (silent == "1" || silent == "true")
}

func isTestMode() bool {
	for _, arg := range os.Args {
		if strings.Contains(arg, "test") || strings.HasSuffix(arg, ".test") {
			return true
		}
	}
	return false
}
