package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries full wire payloads:
// the JSON bodies sent to and received from model providers. Everything
// else logs at debug and above; trace exists for reproducing provider
// bugs from the exact bytes on the wire.
const LevelTrace = slog.Level(-8)

var logLevels = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a config string to an [slog.Level]. Matching is
// case-insensitive and ignores surrounding whitespace; the empty string
// means info. "warning" is accepted as an alias for "warn".
func ParseLogLevel(s string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return slog.LevelInfo, nil
	}
	level, ok := logLevels[name]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames is a ReplaceAttr function for [slog.HandlerOptions].
// slog prints levels it does not know as offsets from the nearest named
// one, so [LevelTrace] would come out as "DEBUG-4"; this rewrites it to
// "TRACE". Wire it into every handler the process constructs:
//
//	slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
//	    Level:       level,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
