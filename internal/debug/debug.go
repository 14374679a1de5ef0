package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (advance mode, frame counter)
	LevelLive    = 2 // Live info (chains submitted, trigger edges)
	LevelVerbose = 3 // Verbose (waveforms, chain layout)
	LevelTrace   = 4 // Trace (GPIO, pigpio commands, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (advance mode, frame counter)
// 2 = live info (chains submitted, trigger edges)
// 3 = verbose (waveforms, chain layout, timing estimates)
// 4 = trace (GPIO, pigpio commands, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[Telecine] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output (e.g. to mirror it to web clients).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// out returns the logger if minLevel is enabled, nil otherwise.
func out(minLevel int) *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if level >= minLevel {
		return logger
	}
	return nil
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := out(LevelInfo); l != nil {
		l.Printf("[INFO] "+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if l := out(LevelOff); l != nil {
		l.Printf("═══════════════════════════════════════")
		l.Printf("  %s", title)
		l.Printf("═══════════════════════════════════════")
	}
}

// Frame prints a frame counter update (level 1).
func Frame(counter int64, direction string) {
	if l := out(LevelInfo); l != nil {
		l.Printf("[INFO] Frame %d (%s)", counter, direction)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := out(LevelLive); l != nil {
		l.Printf("[LIVE] "+format, args...)
	}
}

// Advance prints the start of a motor advance (level 2).
func Advance(mode string, speed float64, direction string) {
	if l := out(LevelLive); l != nil {
		l.Printf("[LIVE] Advance %s at speed %g (%s)", mode, speed, direction)
	}
}

// Chain prints a submitted chain program (level 2).
func Chain(channel string, instructions, bytes int) {
	if l := out(LevelLive); l != nil {
		l.Printf("[LIVE] Channel %s: chain of %d instructions (%d bytes) submitted", channel, instructions, bytes)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := out(LevelVerbose); l != nil {
		l.Printf("[VERBOSE] "+format, args...)
	}
}

// Print prints a level 3 message (alias for Verbose).
func Print(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Printf is an alias for Print for compatibility.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Println prints a level 3 message followed by a newline.
func Println(args ...interface{}) {
	if l := out(LevelVerbose); l != nil {
		l.Println(args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := out(LevelVerbose); l != nil {
		l.Printf("[VERBOSE] %s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := out(LevelVerbose); l != nil {
		l.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Printf("  %s", name)
		l.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := out(LevelVerbose); l != nil {
		l.Printf("[VERBOSE] Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 3).
func Value(name string, value interface{}) {
	if l := out(LevelInfo); l != nil {
		l.Printf("[INFO]   %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	if l := out(LevelTrace); l != nil {
		l.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := out(LevelTrace); l != nil {
		l.Printf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := out(LevelInfo); l != nil {
		l.Printf("[ERROR] %v", err)
	}
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
