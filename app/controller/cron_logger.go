package controller

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronLogger adapts zap to cron.Logger.
type CronLogger struct{ *zap.SugaredLogger }

var _ cron.Logger = (*CronLogger)(nil)

// NewCronLogger creates a cron logger from a zap logger.
func NewCronLogger(logger *zap.Logger) *CronLogger {
	return &CronLogger{logger.With(zap.String("component", "cron")).Sugar()}
}

// Info logs routine scheduler messages at debug level; cron is chatty.
func (l *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

// Error logs scheduler errors, including recovered panics.
func (l *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
