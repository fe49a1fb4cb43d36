// Package logx owns the process-wide logger. Packages log structured
// events through logx.Log; main swaps in the console writer once the
// configured level is known.
package logx

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log starts as a JSON logger on stderr so failures before Configure runs
// are still captured in a parseable form.
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Configure sets the global level and replaces Log with a console-formatted
// logger.
func Configure(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// ParseLevel maps a level string to a zerolog level. zerolog's own names
// are accepted as-is; "all", "none", and "warning" are mapped for
// compatibility with LOG_LEVEL values used by existing deployments.
// Unknown or empty values default to info.
func ParseLevel(level string) zerolog.Level {
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "all":
		return zerolog.TraceLevel
	case "none", "off":
		return zerolog.Disabled
	case "warning":
		return zerolog.WarnLevel
	default:
		if s != "" {
			if lvl, err := zerolog.ParseLevel(s); err == nil {
				return lvl
			}
		}
		return zerolog.InfoLevel
	}
}

func init() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		Configure(v)
	}
}
