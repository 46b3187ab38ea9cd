// Package logging builds the zerolog loggers shared by the loader components.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/dataloader/internal/config"
	"github.com/torosent/dataloader/internal/request"
)

var callerMarshalOnce sync.Once

// New creates a logger at the configured level writing to out (stderr when nil).
// Unknown levels fall back to info.
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	callerMarshalOnce.Do(func() {
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			base := filepath.Base(file)
			parent := filepath.Base(filepath.Dir(file))
			if parent != "." && parent != "" {
				return parent + "/" + base + ":" + strconv.Itoa(line)
			}
			return base + ":" + strconv.Itoa(line)
		}
	})

	if out == nil {
		out = os.Stderr
	}

	var l zerolog.Logger
	if cfg.Pretty {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(out).With().Timestamp().Logger()
	}

	return l.Level(ParseLevel(cfg.Level))
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	zLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return zLevel
}

// WithRequest returns a child logger tagged with the request identity. User info is stripped from the URL.
func WithRequest(l zerolog.Logger, req *request.Request) zerolog.Logger {
	if req == nil {
		return l
	}
	ctx := l.With().Str("request_id", req.ID()).Str("method", req.Method)
	if req.URL != nil {
		u := *req.URL
		u.User = nil
		ctx = ctx.Str("url", u.String())
	}
	if req.SourceIdentifier != "" {
		ctx = ctx.Str("source", req.SourceIdentifier)
	}
	return ctx.Logger()
}
