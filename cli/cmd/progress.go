package cmd

import (
	"fmt"
	"io"
)

// documentTick is how many documents pass between progress redraws.
const documentTick = 1000

// progress draws a one-line batch counter on a terminal.
type progress struct {
	w         io.Writer
	runs      int
	documents int
	failures  int
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) Document() {
	p.documents++
	if p.documents%documentTick == 0 {
		p.draw()
	}
}

func (p *progress) RunDone(_ string, failures int) {
	p.runs++
	p.failures = failures
	p.draw()
}

func (p *progress) draw() {
	fmt.Fprintf(p.w, "\rruns %d  documents %d  failed %d", p.runs, p.documents, p.failures)
}

// finish ends the progress line.
func (p *progress) finish() {
	if p.runs > 0 || p.documents > 0 {
		fmt.Fprintln(p.w)
	}
}
