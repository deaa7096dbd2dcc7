package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// loggerPkg is the import path of this package, used to skip our wrappers
// when resolving the call site.
var loggerPkg = reflect.TypeOf(Log{}).PkgPath()

// callerHook points entry.Caller at the first frame outside logrus and this
// package, since the Entry wrappers otherwise hide the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isInternalFrame(frame.Function) {
			f := frame
			entry.Caller = &f
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isInternalFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") ||
		strings.HasPrefix(fn, loggerPkg+".")
}
