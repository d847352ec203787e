package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const (
	colorBlack = iota + 30
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite

	colorBold     = 1
	colorDarkGray = 90
)

func colorize(s interface{}, c int, noColor bool) string {
	if noColor {
		return fmt.Sprintf("%v", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// New creates a logger based on the ENV environment variable
func New() zerolog.Logger {
	return NewWithLevel(os.Getenv("ENV"), "")
}

// NewWithLevel picks the output format from env (dev console vs production JSON)
// and applies level when it parses. Unknown levels fall back to info.
func NewWithLevel(env, level string) zerolog.Logger {
	var l zerolog.Logger
	if isDevelopment(env) {
		l = NewDevelopment()
	} else {
		l = NewProduction()
	}
	return l.Level(ParseLevel(level))
}

// ParseLevel maps a textual level to zerolog's, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

func isDevelopment(env string) bool {
	return env == "development" || env == "dev" || env == ""
}

// NewDevelopment creates a development logger with console output and colors
func NewDevelopment() zerolog.Logger {
	return newConsole(os.Stderr, !isTerminal(os.Stderr))
}

func newConsole(out io.Writer, noColor bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i interface{}) string {
			var l string
			if ll, ok := i.(string); ok {
				switch ll {
				case "trace":
					l = colorize("TRC", colorMagenta, noColor)
				case "debug":
					l = colorize("DBG", colorYellow, noColor)
				case "info":
					l = colorize("INF", colorGreen, noColor)
				case "warn":
					l = colorize("WRN", colorRed, noColor)
				case "error":
					l = colorize("ERR", colorRed, noColor)
				case "fatal":
					l = colorize("FTL", colorRed, noColor)
				case "panic":
					l = colorize("PNC", colorRed, noColor)
				default:
					l = colorize(strings.ToUpper(ll)[0:3], colorBold, noColor)
				}
			} else {
				l = strings.ToUpper(fmt.Sprintf("%s", i))[0:3]
			}
			return l
		},
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

// NewProduction creates a production logger with JSON output and UNIX timestamps
func NewProduction() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Redact shortens a secret to a recognizable preview for logs.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) > 12 {
		return secret[:6] + "…" + secret[len(secret)-6:]
	}
	if secret == "" {
		return ""
	}
	return "***"
}
