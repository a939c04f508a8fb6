package output

import (
	"encoding/json"
	"io"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

// JSONRenderer emits structured execution data.
type JSONRenderer struct {
	out io.Writer
}

// NewJSON creates a JSON renderer writing to out.
func NewJSON(out io.Writer) *JSONRenderer {
	return &JSONRenderer{out: out}
}

// ListReport is the JSON schema for list mode.
type ListReport struct {
	Pipeline *pipeline.Pipeline `json:"pipeline"`
	Leaves   []string           `json:"leaves"`
	Warnings []pipeline.Warning `json:"warnings,omitempty"`
}

// RenderList encodes the stage tree of a pipeline.
func (j *JSONRenderer) RenderList(pl *pipeline.Pipeline) error {
	rep := ListReport{Pipeline: pl, Warnings: pl.Warnings}
	for _, leaf := range pl.Root.Leaves() {
		rep.Leaves = append(rep.Leaves, leaf.ID)
	}
	return j.encode(rep)
}

// RenderTrace encodes the full run trace.
func (j *JSONRenderer) RenderTrace(trace *report.Trace) error {
	return j.encode(trace)
}

func (j *JSONRenderer) encode(v any) error {
	enc := json.NewEncoder(j.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
