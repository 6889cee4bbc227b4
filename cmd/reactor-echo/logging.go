package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// newLogger returns a JSON lines logger writing to w. Call sites using
// Builder.Limit are held to 10 events per second, 100 per minute.
func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
		stumpy.L.WithCategoryRateLimits(map[time.Duration]int{
			time.Second: 10,
			time.Minute: 100,
		}),
	).Logger()
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "error", "err":
		return logiface.LevelError, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "off", "disabled":
		return logiface.LevelDisabled, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("invalid log level %q (expected one of: trace, debug, info, notice, warn, error, crit, off)", s)
	}
}
