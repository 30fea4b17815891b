// Package securelog records failures without message bodies, tokens or other
// user-supplied text. Only the operation name, caller and error type chain are
// logged.
package securelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// Error logs err at error level on log (slog.Default when nil).
func Error(log *slog.Logger, op string, err error) {
	emit(log, slog.LevelError, op, err)
}

// Warn is Error at warn level, for failures the relay recovers from.
func Warn(log *slog.Logger, op string, err error) {
	emit(log, slog.LevelWarn, op, err)
}

func emit(log *slog.Logger, level slog.Level, op string, err error) {
	if err == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		"at", callerLocation(3),
		"types", strings.Join(errorTypes(err), "->"),
	}
	if op != "" {
		attrs = append(attrs, "op", op)
	}
	log.Log(context.Background(), level, "operation failed", attrs...)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

// errorTypes walks both single and joined wrap chains, depth first.
func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	var walk func(error)
	walk = func(err error) {
		for err != nil {
			name := fmt.Sprintf("%T", err)
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				types = append(types, name)
			}
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, e := range joined.Unwrap() {
					walk(e)
				}
				return
			}
			err = errors.Unwrap(err)
		}
	}
	walk(err)
	return types
}
