// Package auditlog is the gateway's durable, sequenced event trail - one
// line per significant event, written by a single in-process goroutine.
//
// The original gateway forked a child process that read these messages
// off a pipe in fixed-size chunks and wrote them to gateway.log with a
// sequence number prepended. Go has no safe fork-without-exec that
// preserves goroutine and heap state, so this is built as the original
// design's own recommended alternative: an in-process log task with its
// own channel standing in for the pipe. The shutdown ordering is kept
// faithfully - every worker exits, the channel is closed, the logger
// drains whatever's left and only then exits - so no message written
// before shutdown is ever lost.
package auditlog

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Source identifies which worker produced a log line.
type Source string

const (
	SourceConnMgr    Source = "Connection Manager"
	SourceDataMgr    Source = "Data Manager"
	SourceStorageMgr Source = "Storage Manager"
)

type entry struct {
	unixTime int64
	source   Source
	message  string
}

// Logger owns the audit file and the goroutine serializing writes to it.
type Logger struct {
	ch   chan entry
	done chan struct{}
}

// Open creates (or truncates) the audit log at path and starts its
// writer goroutine.
func Open(path string) (*Logger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}

	l := &Logger{
		ch:   make(chan entry, 64),
		done: make(chan struct{}),
	}
	go l.run(f)
	return l, nil
}

func (l *Logger) run(f *os.File) {
	defer close(l.done)
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	seq := 0
	for e := range l.ch {
		fmt.Fprintf(w, "%d %d %s: %s\n", seq, e.unixTime, e.source, e.message)
		w.Flush()
		seq++
	}
}

// Log enqueues a formatted message from source. It never blocks for long
// (the channel is buffered) and never fails - a full channel back-pressures
// the caller rather than dropping a message, matching the original's
// blocking pipe write.
func (l *Logger) Log(source Source, format string, args ...interface{}) {
	l.ch <- entry{
		unixTime: time.Now().Unix(),
		source:   source,
		message:  fmt.Sprintf(format, args...),
	}
}

// Close stops accepting new messages and blocks until every message
// already enqueued has been written and the file closed.
func (l *Logger) Close() {
	close(l.ch)
	<-l.done
}
