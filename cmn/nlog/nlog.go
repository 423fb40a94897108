// Package nlog is a thin leveled-logging facade over logrus, matching the
// call shapes (Infoln, Warningln, Errorln, Fatalln) used across the rest
// of this repository.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the minimum emitted level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

func Infoln(args ...any)    { log.Infoln(args...) }
func Infof(f string, a ...any) { log.Infof(f, a...) }
func Warningln(args ...any) { log.Warnln(args...) }
func WarningDepth(depth int, args ...any) {
	log.WithField("depth", depth).Warnln(args...)
}
func Errorln(args ...any) { log.Errorln(args...) }
func ErrorDepth(depth int, args ...any) {
	log.WithField("depth", depth).Errorln(args...)
}
func Fatalln(args ...any) { log.Fatalln(args...) }

// Verbosity is a process-wide log-verbosity counter used to gate
// expensive log statements on the hot receive path.
type Verbosity struct{ n int32 }

var Rom Verbosity

// SetVerbosity sets the global verbosity level (at 0, FastV(n) is false for
// every n >= 1, so all gated statements are suppressed).
func (v *Verbosity) SetVerbosity(n int) { v.n = int32(n) }

// FastV reports whether the current verbosity is at least n. The module
// argument exists so call sites read as self-labeling; verbosity is not
// (yet) tracked per module.
func (v *Verbosity) FastV(n int, _ string) bool { return int(v.n) >= n }
