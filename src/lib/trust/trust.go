package trust

import (
	"fmt"
	"io"
	"os"
	"sync"
)

type MaskLevel int

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
	StatsMask MaskLevel = 0x10
	fatalMask MaskLevel = 0x80
)

var (
	mu     sync.Mutex
	level  = fatalMask | StatsMask | ErrorMask | WarnMask | InfoMask
	out    io.Writer = os.Stdout
	exitFn           = os.Exit
)

// SetLevel lets you set an error mask directly. You can pass in something like
// ErrorMask | DebugMask to control exactly what gets printed.  It returns the
// previous mask.
func SetLevel(mask MaskLevel) MaskLevel {
	mu.Lock()
	defer mu.Unlock()
	if mask&0x1f == 0 {
		fmt.Fprintf(out, " WARN: trust.SetLevel is turning off log messages\n")
	}
	r := level & 0x1f
	level = (mask & 0x1f) | fatalMask
	return r
}

// SetVerbosity maps a small integer (as given on a command line) to a mask.
// 0 is errors and warnings, 1 adds info, 2 adds debug and stats.
func SetVerbosity(v int) MaskLevel {
	mask := ErrorMask | WarnMask
	if v > 0 {
		mask |= InfoMask
	}
	if v > 1 {
		mask |= DebugMask | StatsMask
	}
	return SetLevel(mask)
}

func Level() MaskLevel {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetOutput sends all subsequent log lines to w and returns the previous
// destination.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return prev
}

func LevelToString() string {
	l := Level()
	result := ""
	if l&ErrorMask > 0 {
		result += "error "
	}
	if l&WarnMask > 0 {
		result += "warn "
	}
	if l&InfoMask > 0 {
		result += "info "
	}
	if l&DebugMask > 0 {
		result += "debug "
	}
	if l&StatsMask > 0 {
		result += "stats"
	}
	return result
}

func logf(l MaskLevel, format string, params ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level&l == 0 {
		return
	}
	start := 0
	switch {
	case l&fatalMask > 0:
		fmt.Fprintf(out, "FATAL:")
	case l&ErrorMask > 0:
		fmt.Fprintf(out, "ERROR:")
	case l&WarnMask > 0:
		fmt.Fprintf(out, " WARN:")
	case l&InfoMask > 0:
		fmt.Fprintf(out, " INFO:")
	case l&DebugMask > 0:
		fmt.Fprintf(out, "DEBUG:")
	case l&StatsMask > 0:
		s := "unknown"
		if len(params) > 0 {
			if cat, ok := params[0].(string); ok {
				s = cat
			}
			start = 1
		}
		fmt.Fprintf(out, "STATS[%s]:", s)
	}
	if len(format) == 0 {
		format = "\n"
	} else if format[len(format)-1] != '\n' {
		format += "\n"
	}
	fmt.Fprintf(out, format, params[start:]...)
}

//Fatalf prints the given log message (format + params) and then
//exits with the exitCode provided.  Fatalf is not maskable.
func Fatalf(exitCode int, format string, params ...interface{}) {
	logf(fatalMask, format, params...)
	exitFn(exitCode)
}

//Errorf prints the given log message (format + params) using the ErrorMask level.
func Errorf(format string, params ...interface{}) {
	logf(ErrorMask, format, params...)
}

//Warnf prints the given log message (format + params) using the WarnMask level.
func Warnf(format string, params ...interface{}) {
	logf(WarnMask, format, params...)
}

//Infof prints the given log message (format + params) using the InfoMask level.
func Infof(format string, params ...interface{}) {
	logf(InfoMask, format, params...)
}

//Debugf prints the given log message (format + params) using the DebugMask level.
func Debugf(format string, params ...interface{}) {
	logf(DebugMask, format, params...)
}

//Statsf prints the given log message (format + params) using the StatsMask level and
//takes an extra parameter that will be visible in the log message as the category
//of stats that is reported.
func Statsf(category string, format string, params ...interface{}) {
	logf(StatsMask, format, append([]interface{}{category}, params...)...)
}
