package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketline/internal/domain"
)

const (
	FormatPlain = "plain"
	FormatJSON  = "json"
)

// New builds a logger writing to w (stderr when nil). The plain format is
// meant for terminals, json for machines.
func New(format, level string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch strings.ToLower(format) {
	case "", FormatPlain:
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unsupported log level %q", level)
	}
}

// Order formats an order for structured logging.
type Order struct {
	Hash  string
	Order domain.Order
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (o Order) MarshalZerologObject(e *zerolog.Event) {
	if o.Order == nil {
		return
	}
	e.Str("kind", o.Order.Kind().String())
	if o.Hash != "" {
		e.Str("hash", o.Hash)
	}
	if subject, ok := domain.Subject(o.Order); ok {
		e.Str("resource", subject.Hex())
	}
	e.Str("volume", o.Order.OrderVolume().String())
	e.Str("tag", o.Order.OrderTag().Hex())
	e.Bool("signed", len(o.Order.Signature()) > 0)
}
