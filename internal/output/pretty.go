package output

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

type styles struct {
	success lipgloss.Style
	failure lipgloss.Style
	warn    lipgloss.Style
	faint   lipgloss.Style
	bold    lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		success: r.NewStyle().Foreground(lipgloss.Color("2")),
		failure: r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		faint:   r.NewStyle().Foreground(lipgloss.Color("245")),
		bold:    r.NewStyle().Bold(true),
	}
}

func (s styles) status(st report.Status) lipgloss.Style {
	switch st {
	case report.StatusSuccess:
		return s.success
	case report.StatusFailure:
		return s.failure
	case report.StatusUnstable, report.StatusAborted:
		return s.warn
	default:
		return s.faint
	}
}

// PrettyRenderer renders pipelines and traces in a human-friendly format.
type PrettyRenderer struct {
	out    io.Writer
	styles styles
}

// NewPretty creates a PrettyRenderer writing to the provided writer.
func NewPretty(out io.Writer) *PrettyRenderer {
	return &PrettyRenderer{out: out, styles: newStyles(out)}
}

// RenderList renders the stage tree of a pipeline without running it.
func (p *PrettyRenderer) RenderList(pl *pipeline.Pipeline) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Pipeline %s\n", p.styles.bold.Render(decorateName(pl.Name, pl.Path)))
	pl.Root.Walk(func(st *pipeline.Stage, depth int) {
		pad := strings.Repeat("  ", depth+1)
		fmt.Fprintf(&buf, "%s%s %s", pad, kindGlyph(st.Kind), st.ID)
		var notes []string
		if st.Agent != nil && st.Agent.Image != "" {
			notes = append(notes, "image "+st.Agent.Image)
		}
		if st.FailFast {
			notes = append(notes, "fail-fast")
		}
		if st.When != "" {
			notes = append(notes, "when "+st.When)
		}
		if len(notes) > 0 {
			buf.WriteString(p.styles.faint.Render(" [" + strings.Join(notes, ", ") + "]"))
		}
		buf.WriteByte('\n')
		for _, action := range st.Actions {
			label := action.Name
			if label == "" {
				label = action.Run
			}
			fmt.Fprintf(&buf, "%s  • %s\n", pad, label)
		}
	})
	for _, w := range pl.Warnings {
		fmt.Fprintf(&buf, "%s %s: %s\n", p.styles.warn.Render("warning"), w.Stage, w.Message)
	}
	_, err := buf.WriteTo(p.out)
	return err
}

// RenderTrace shows execution outcomes for every stage followed by a summary.
func (p *PrettyRenderer) RenderTrace(trace *report.Trace) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Pipeline %s", p.styles.bold.Render(trace.Pipeline))
	if trace.Branch != "" {
		fmt.Fprintf(&buf, " on %s", trace.Branch)
	}
	fmt.Fprintf(&buf, " (run %s)\n", trace.RunID)

	trace.Root.Walk(func(res *report.StageResult, depth int) {
		pad := strings.Repeat("  ", depth+1)
		glyph := p.styles.status(res.Status).Render(statusGlyph(res.Status))
		fmt.Fprintf(&buf, "%s%s %s", pad, glyph, res.StageID)
		if res.Status != report.StatusSkipped {
			fmt.Fprintf(&buf, " (%s)", formatDuration(res.Duration))
		}
		if res.Reason != "" {
			buf.WriteString(p.styles.faint.Render(" " + res.Reason))
		}
		buf.WriteByte('\n')
		if res.Error != "" {
			fmt.Fprintf(&buf, "%s  error: %s\n", pad, res.Error)
		}
		for _, a := range res.Actions {
			p.renderAction(&buf, pad+"  ", a)
		}
		for _, h := range res.Hooks {
			if h.Status == report.StatusSuccess || h.Status == report.StatusSkipped {
				continue
			}
			fmt.Fprintf(&buf, "%s  post %s %s: %s\n", pad, h.Name, h.Status, h.Message)
		}
		for _, rep := range res.Reports {
			line := fmt.Sprintf("%s  report %s", pad, rep.Name)
			if rep.Summary != nil {
				line += fmt.Sprintf(" (%d/%d passed)", rep.Summary.Passed, rep.Summary.Total)
			}
			if rep.PublishedAs != "" {
				line += " -> " + rep.PublishedAs
			}
			buf.WriteString(p.styles.faint.Render(line) + "\n")
		}
	})

	s := trace.Summary
	fmt.Fprintf(&buf, "SUMMARY: %s, %d passed, %d failed, %d unstable, %d skipped, %d aborted (%s)\n",
		p.styles.status(trace.Status).Render(string(trace.Status)),
		s.Passed, s.Failed, s.Unstable, s.Skipped, s.Aborted, formatDuration(trace.Duration))
	if t := trace.TestTotals; t.Total > 0 {
		fmt.Fprintf(&buf, "TESTS: %d total, %d passed, %d failed, %d skipped\n", t.Total, t.Passed, t.Failed, t.Skipped)
	}
	if n := len(trace.Artifacts); n > 0 {
		var size int64
		for _, a := range trace.Artifacts {
			size += a.Size
		}
		fmt.Fprintf(&buf, "ARTIFACTS: %d published (%s)\n", n, units.HumanSize(float64(size)))
	}
	_, err := buf.WriteTo(p.out)
	return err
}

func (p *PrettyRenderer) renderAction(buf *bytes.Buffer, pad string, a report.ActionResult) {
	label := a.Name
	if label == "" {
		label = a.Command
	}
	glyph := p.styles.status(a.Status).Render(statusGlyph(a.Status))
	fmt.Fprintf(buf, "%s%s %s (%s)\n", pad, glyph, label, formatDuration(a.Duration))
	if a.DryRun {
		fmt.Fprintf(buf, "%s  command: %s\n", pad, a.Command)
	}
	if a.Status != report.StatusFailure {
		return
	}
	fmt.Fprintf(buf, "%s  command: %s\n", pad, a.Command)
	if a.TimedOut {
		fmt.Fprintf(buf, "%s  timed out\n", pad)
	}
	if cleaned := cleanErrorOutput(a.Stdout + "\n" + a.Stderr); cleaned != "" {
		fmt.Fprintf(buf, "%s\n", indent(cleaned, pad+"  "))
	}
}

// cleanErrorOutput drops toolchain noise from failed action output. When no
// line looks like an error the last few lines are kept.
func cleanErrorOutput(output string) string {
	var kept, all []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isNoise(line) {
			continue
		}
		all = append(all, line)
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fail") ||
			strings.Contains(line, "panic:") || strings.HasPrefix(line, "hint:") {
			kept = append(kept, line)
		}
	}
	if len(kept) > 0 {
		return strings.Join(kept, "\n")
	}
	if len(all) > 5 {
		all = all[len(all)-5:]
	}
	return strings.Join(all, "\n")
}

var noise = []string{
	"Bash implementation",
	"Migration guide",
	"migrate to the new version",
	"parser/current is loading parser",
	"Randomized with seed",
	"is deprecated",
}

func isNoise(line string) bool {
	for _, n := range noise {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

func decorateName(name, path string) string {
	if path == "" || name == path {
		return name
	}
	if name == "" {
		return path
	}
	return fmt.Sprintf("%s (%s)", name, path)
}

func kindGlyph(kind string) string {
	switch kind {
	case pipeline.KindSequential:
		return "→"
	case pipeline.KindParallel:
		return "⇉"
	default:
		return "○"
	}
}

func statusGlyph(status report.Status) string {
	switch status {
	case report.StatusSuccess:
		return "✓"
	case report.StatusFailure:
		return "✗"
	case report.StatusUnstable:
		return "!"
	case report.StatusSkipped:
		return "-"
	case report.StatusAborted:
		return "⊘"
	default:
		return "?"
	}
}

func indent(s, pad string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Truncate(time.Millisecond).String()
}
