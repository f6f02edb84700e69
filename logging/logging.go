package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format is "json" or "text".
func New(w io.Writer, format, level string) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(format) {
	case "", "text", "plain":
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    true,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					return strings.ToUpper(ll)
				}
				return "????"
			},
		}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format: %s", format)
	}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level: %v", err)
	}
	if logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(logLevel).With().Timestamp().Logger(), nil
}
