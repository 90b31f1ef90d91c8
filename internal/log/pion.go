// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory routes pion (webrtc, ice, dtls) internal logs through zerolog.
// Pion is chatty at info level, so its info output is demoted to debug.
type PionFactory struct {
	Logger zerolog.Logger
}

// NewPionFactory returns a factory whose loggers inherit the "webrtc" component.
func NewPionFactory() *PionFactory {
	return &PionFactory{Logger: WithComponent("webrtc")}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.Logger.With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string) { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Debug(msg string) { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Info(msg string) { p.l.Debug().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.l.Error().Msg(fmt.Sprintf(format, args...))
}
