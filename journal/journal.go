// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package journal provides structured logging for the graphics layer.
// Every record carries a component and a context tag, so that log output
// from the shader, compute and render subsystems can be told apart when
// they interleave from multiple recording threads. Errors are additionally
// counted, which lets callers (and tests) observe failures of operations
// that, by contract, never return an error across the GPU recording
// boundary.
package journal

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Context tags used across the graphics layer.
const (
	ContextShaders     = "shaders"
	ContextDescriptors = "descriptors"
	ContextCommands    = "commands"
	ContextSync        = "sync"
	ContextCompute     = "compute"
	ContextRendering   = "rendering"
	ContextDevice      = "device"
)

var errorCount uint64

// ErrorCount reports how many error-severity records have been
// emitted since process start or the last ResetErrorCount.
func ErrorCount() uint64 {
	return atomic.LoadUint64(&errorCount)
}

// ResetErrorCount zeroes the error counter. Intended for tests.
func ResetErrorCount() {
	atomic.StoreUint64(&errorCount, 0)
}

// SetLevel adjusts the global log level.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// New creates a Logger tagged with the given component name.
func New(component string) *Logger {
	return &Logger{component: component}
}

// Logger emits records tagged with a fixed component and a
// per-call context.
type Logger struct {
	component string
}

func (l *Logger) entry(context string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component": l.component,
		"context":   context,
	})
}

// Errorf logs at error severity and bumps the global error counter.
func (l *Logger) Errorf(context, format string, args ...interface{}) {
	atomic.AddUint64(&errorCount, 1)
	l.entry(context).Errorf(format, args...)
}

// Warnf logs at warning severity.
func (l *Logger) Warnf(context, format string, args ...interface{}) {
	l.entry(context).Warnf(format, args...)
}

// Infof logs at info severity.
func (l *Logger) Infof(context, format string, args ...interface{}) {
	l.entry(context).Infof(format, args...)
}

// Debugf logs at debug severity.
func (l *Logger) Debugf(context, format string, args ...interface{}) {
	l.entry(context).Debugf(format, args...)
}
