// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *tracknetLogger

	// Lines logged before SetupLogger runs are buffered and replayed once the
	// logger exists. Config loading happens first and wants to log too.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 2
)

// tracknetLogger is a leveled wrapper around a seelog logger.
type tracknetLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the package-level logger singleton.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &tracknetLogger{
		inner: l,
		level: lvl,
	}
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// BuildLogger returns a seelog logger writing to the console with the given
// minimum level. Callers pass the result to SetupLogger.
func BuildLogger(level string) (seelog.LoggerInterface, error) {
	lvl := strings.ToLower(level)
	if _, ok := seelog.LogLevelFromString(lvl); !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	cfg := fmt.Sprintf(
		`<seelog minlevel=%q><outputs formatid="common"><console/></outputs><formats><format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line) | %%Msg%%n"/></formats></seelog>`,
		lvl,
	)
	return seelog.LoggerFromConfigAsString(cfg)
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *tracknetLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()
	return shouldLog
}

// The wrapper methods below are what the package functions hand to
// logFormat/logFormatWithError. Binding a method value on the nil logger is
// safe; the guard inside logFormat keeps it from being invoked before
// SetupLogger runs.
func (sw *tracknetLogger) tracef(format string, params ...interface{}) {
	sw.inner.Tracef(format, params...)
}

func (sw *tracknetLogger) debugf(format string, params ...interface{}) {
	sw.inner.Debugf(format, params...)
}

func (sw *tracknetLogger) infof(format string, params ...interface{}) {
	sw.inner.Infof(format, params...)
}

func (sw *tracknetLogger) warnf(format string, params ...interface{}) error {
	return sw.inner.Warnf(format, params...)
}

func (sw *tracknetLogger) errorf(format string, params ...interface{}) error {
	return sw.inner.Errorf(format, params...)
}

func (sw *tracknetLogger) criticalf(format string, params ...interface{}) error {
	return sw.inner.Criticalf(format, params...)
}

func (sw *tracknetLogger) changeLogLevel(level string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	sw.level = lvl
	return nil
}

func logMessage(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(...interface{}), v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(v...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logFormat(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logFormatWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}) error, format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	return fmt.Errorf(format, params...)
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	logMessage(seelog.TraceLvl, func() { Trace(v...) }, func(m ...interface{}) { logger.inner.Trace(m...) }, v...)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	logFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, logger.tracef, format, params...)
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	logMessage(seelog.DebugLvl, func() { Debug(v...) }, func(m ...interface{}) { logger.inner.Debug(m...) }, v...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	logFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, logger.debugf, format, params...)
}

// Info logs at the info level
func Info(v ...interface{}) {
	logMessage(seelog.InfoLvl, func() { Info(v...) }, func(m ...interface{}) { logger.inner.Info(m...) }, v...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	logFormat(seelog.InfoLvl, func() { Infof(format, params...) }, logger.infof, format, params...)
}

// Warnf logs with format at the warn level and returns an error containing
// the formatted log message
func Warnf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, logger.warnf, format, params...) //nolint:errcheck
}

// Errorf logs with format at the error level and returns an error containing
// the formatted log message
func Errorf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, logger.errorf, format, params...) //nolint:errcheck
}

// Criticalf logs with format at the critical level and returns an error
// containing the formatted log message
func Criticalf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, logger.criticalf, format, params...) //nolint:errcheck
}

// ChangeLogLevel changes the current log level, valid levels are trace, debug,
// info, warn, error and critical.
func ChangeLogLevel(level string) error {
	if logger != nil && logger.inner != nil {
		return logger.changeLogLevel(level)
	}
	return errors.New("cannot change loglevel: logger not initialized")
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
