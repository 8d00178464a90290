package libav

import (
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
)

// InitLogging wires libav's own log output through go-belt, the
// structured logger this codebase's other astiav-based components use,
// so a probe failure or codec-open error surfaces with the same fields
// and sinks as the rest of the host process.
func InitLogging() {
	l := logger.Default().WithField("module", "libav")
	astiav.SetLogLevel(logLevelToAstiav(l.Level()))
	astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, _, msg string) {
		var class string
		if c != nil {
			if cl := c.Class(); cl != nil {
				class = " class=" + cl.String()
			}
		}
		l.Logf(logLevelFromAstiav(level), "%s%s", strings.TrimSpace(msg), class)
	})
}

func logLevelToAstiav(level logger.Level) astiav.LogLevel {
	switch level {
	case logger.LevelUndefined:
		return astiav.LogLevelQuiet
	case logger.LevelPanic:
		return astiav.LogLevelPanic
	case logger.LevelFatal:
		return astiav.LogLevelFatal
	case logger.LevelError:
		return astiav.LogLevelError
	case logger.LevelWarning:
		return astiav.LogLevelWarning
	case logger.LevelInfo:
		return astiav.LogLevelInfo
	case logger.LevelDebug:
		return astiav.LogLevelVerbose
	case logger.LevelTrace:
		return astiav.LogLevelDebug
	default:
		return astiav.LogLevelWarning
	}
}

func logLevelFromAstiav(level astiav.LogLevel) logger.Level {
	switch level {
	case astiav.LogLevelQuiet:
		return logger.LevelUndefined
	case astiav.LogLevelFatal:
		return logger.LevelFatal
	case astiav.LogLevelPanic:
		return logger.LevelPanic
	case astiav.LogLevelError:
		return logger.LevelError
	case astiav.LogLevelWarning:
		return logger.LevelWarning
	case astiav.LogLevelInfo:
		return logger.LevelInfo
	case astiav.LogLevelVerbose:
		return logger.LevelDebug
	case astiav.LogLevelDebug:
		return logger.LevelTrace
	default:
		return logger.LevelWarning
	}
}
