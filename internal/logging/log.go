// Package logging configures the process-wide zerolog logger and exposes
// printf-style helpers for call sites that log one formatted line.
package logging

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

func Tracef(format string, args ...any) {
	log.Trace().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	log.Debug().Msg(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	log.Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	log.Warn().Msg(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	log.Error().Msg(fmt.Sprintf(format, args...))
}

// Logf logs at info level; kept for test narration lines.
func Logf(format string, args ...any) {
	Infof(format, args...)
}
