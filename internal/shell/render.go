package shell

import (
	"fmt"
	"io"
	"strings"
)

// snapshotTailLines bounds how much of a snapshot is ever written to
// the local terminal, so very verbose remote output does not flood the
// local scrollback.
const snapshotTailLines = 40

// clearLine erases the local input line before a repaint.
const clearLine = "\r\033[2K"

// Renderer converts full-screen snapshots from the remote side into
// minimal local terminal updates. The wire protocol is snapshot-based,
// so the client diffs locally: identical consecutive snapshots are
// painted exactly once.
type Renderer struct {
	out  io.Writer
	last string
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Render paints a snapshot. A snapshot byte-identical to the last one
// is a no-op; otherwise only the trailing lines are written.
func (r *Renderer) Render(snapshot string) {
	if snapshot == r.last {
		return
	}

	trimmed := strings.TrimSuffix(snapshot, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) > snapshotTailLines {
		lines = lines[len(lines)-snapshotTailLines:]
	}

	fmt.Fprint(r.out, clearLine)
	for _, line := range lines {
		fmt.Fprintln(r.out, line)
	}
	r.last = snapshot
}

// Reset forgets the last snapshot, forcing the next Render to paint.
// Called when a new connection is established so the fresh session's
// first screen always appears.
func (r *Renderer) Reset() {
	r.last = ""
}
