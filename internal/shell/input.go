package shell

import (
	"bufio"
	"context"
	"io"
)

// inputReader owns the local terminal's line input. It runs one
// goroutine around a scanner and exposes the lines as a channel so the
// event loop can select over input, transport events and timers.
type inputReader struct {
	lines <-chan string
	// done is closed when the local input reaches end-of-input or
	// fails; the event loop treats that like a clean exit request.
	done <-chan struct{}
}

func startInputReader(ctx context.Context, r io.Reader) *inputReader {
	lines := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return &inputReader{lines: lines, done: done}
}
