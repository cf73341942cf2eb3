// Package supervise provides the panic-safety net every long-lived
// gateway goroutine runs under: a recovered panic is written to a crash
// log with a full stack and goroutine dump instead of taking the whole
// process down silently.
package supervise

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

// Go launches fn in its own goroutine, recovering any panic it raises,
// writing it to crashLogPath via WriteCrashLog and letting the rest of
// the process keep running. name identifies the goroutine in the report.
func Go(crashLogPath, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				WriteCrashLog(crashLogPath, r, name)
			}
		}()
		fn()
	}()
}

// WriteCrashLog appends a timestamped crash report to path: the recovered
// value, the crashing goroutine's stack, a full goroutine dump and basic
// memory stats. It falls back to stderr if the file can't be opened.
func WriteCrashLog(path string, r interface{}, goroutineName string) {
	if r == nil {
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open crash log %s: %v\n", path, err)
		f = os.Stderr
	} else {
		defer f.Close()
	}

	fmt.Fprintf(f, "\n--- crash report %s ---\n", time.Now().Format("2006-01-02 15:04:05.000"))
	if goroutineName == "" {
		goroutineName = "main"
	}
	fmt.Fprintf(f, "goroutine: %s\n", goroutineName)
	fmt.Fprintf(f, "error: %v\n\n", r)

	fmt.Fprintf(f, "crashing goroutine stack:\n")
	f.Write(debug.Stack())

	fmt.Fprintf(f, "\nall goroutines:\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(f, "\ngoroutines=%d alloc=%dMB sys=%dMB gc_runs=%d open_fds=%d\n",
		runtime.NumGoroutine(), m.Alloc/1024/1024, m.Sys/1024/1024, m.NumGC, countOpenFDs())

	if f != os.Stderr {
		fmt.Fprintf(os.Stderr, "fatal error in goroutine %q, crash report written to %s: %v\n", goroutineName, path, r)
	}
}

// countOpenFDs returns the number of open file descriptors on Linux, or 0
// where /proc isn't available.
func countOpenFDs() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return len(entries)
}
