// Package exectest runs subprocesses in the background of tests.
//
// The mariadbtest and redistest backends use it to supervise their throwaway
// mysqld and redis-server instances and to forward server output to the test
// log.
package exectest

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

// Background supervises one command running for the duration of a test.
type Background struct {
	tb      testing.TB
	Cmd     *exec.Cmd
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	errLock sync.Mutex
	// Log command output to tests.
	Name      string
	LogStdout bool
	LogStderr bool
}

// NewBackground wraps a command for background execution under a test.
func NewBackground(tb testing.TB, cmd *exec.Cmd) *Background {
	return &Background{
		tb:   tb,
		Cmd:  cmd,
		done: make(chan struct{}, 1),
	}
}

// Start launches the process. The wrapped exec.Cmd must not be touched
// between Start and Close. Start can only be called once.
func (b *Background) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.done)
		var prefix string
		if b.Name != "" {
			prefix = b.Name + ": "
		}
		if b.LogStdout {
			b.Cmd.Stdout = &PipeCapture{
				Prefix: prefix,
				TB:     b.tb,
			}
		}
		if b.LogStderr {
			b.Cmd.Stderr = &PipeCapture{
				Prefix: prefix,
				TB:     b.tb,
			}
		}
		err := b.Cmd.Run()
		b.errLock.Lock()
		b.err = err
		b.errLock.Unlock()
	}()
}

// Close kills the process and waits for it to exit. It must run before the
// test completes, whether or not the command already exited. Idempotent.
func (b *Background) Close() {
	if b.Cmd.Process != nil {
		_ = b.Cmd.Process.Kill()
	}
	b.wg.Wait()
}

// Done returns a channel that closes when the command exits.
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Err returns the process exit error, if any.
func (b *Background) Err() error {
	b.errLock.Lock()
	defer b.errLock.Unlock()
	return b.err
}

// PipeCapture splits a process output stream into lines on the test log.
type PipeCapture struct {
	TB     testing.TB
	Prefix string
	buf    bytes.Buffer
}

func (w *PipeCapture) Write(buf []byte) (n int, err error) {
	splits := bytes.Split(buf, []byte("\n"))
	if len(splits) <= 1 {
		w.buf.Write(buf)
	} else {
		w.buf.Write(splits[0])
		w.line(string(splits[0]))
		w.buf.Reset()
		for i := 1; i < len(splits)-1; i++ {
			w.line(string(splits[i]))
		}
		w.buf.Write(splits[len(splits)-1])
	}
	return len(buf), nil
}

func (w *PipeCapture) Flush() {
	buf := w.buf.String()
	lines := strings.Split(buf, "\n")
	for _, line := range lines {
		if len(line) > 0 {
			w.line(line)
		}
	}
	w.buf.Reset()
}

func (w *PipeCapture) line(s string) {
	w.TB.Log(w.Prefix + s)
}
