package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

// StreamRenderer prints a line as each leaf stage starts and finishes. It
// implements engine.Observer and is safe for concurrent use.
type StreamRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	styles styles
}

// NewStream creates a StreamRenderer writing to out.
func NewStream(out io.Writer) *StreamRenderer {
	return &StreamRenderer{out: out, styles: newStyles(out)}
}

// StageStarted implements engine.Observer.
func (s *StreamRenderer) StageStarted(st *pipeline.Stage) {
	if st.Kind != pipeline.KindLeaf {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s %s\n", s.styles.faint.Render("▶"), st.ID)
}

// StageFinished implements engine.Observer.
func (s *StreamRenderer) StageFinished(st *pipeline.Stage, res *report.StageResult) {
	if st.Kind != pipeline.KindLeaf {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	glyph := s.styles.status(res.Status).Render(statusGlyph(res.Status))
	line := fmt.Sprintf("%s %s %s", glyph, st.ID, res.Status)
	if res.Status != report.StatusSkipped {
		line += fmt.Sprintf(" (%s)", formatDuration(res.Duration))
	}
	if res.Reason != "" {
		line += " " + s.styles.faint.Render(res.Reason)
	}
	fmt.Fprintln(s.out, line)
}

// RenderSummary prints the closing summary line for a streamed run.
func (s *StreamRenderer) RenderSummary(trace *report.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := trace.Summary
	parts := []string{fmt.Sprintf("%d passed", sum.Passed), fmt.Sprintf("%d failed", sum.Failed)}
	if sum.Unstable > 0 {
		parts = append(parts, fmt.Sprintf("%d unstable", sum.Unstable))
	}
	parts = append(parts, fmt.Sprintf("%d skipped", sum.Skipped))
	if sum.Aborted > 0 {
		parts = append(parts, fmt.Sprintf("%d aborted", sum.Aborted))
	}
	_, err := fmt.Fprintf(s.out, "SUMMARY: %s, %s (%s)\n",
		s.styles.status(trace.Status).Render(string(trace.Status)), strings.Join(parts, ", "), formatDuration(trace.Duration))
	return err
}
