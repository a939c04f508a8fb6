package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bgricker/conveyor/internal/sink"
)

// ErrReportIngest is the kind of every IngestError.
var ErrReportIngest = errors.New("report ingest failed")

// IngestError describes a report that was missing or could not be parsed.
type IngestError struct {
	StageID string
	Path    string
	Err     error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("stage %s: report %q: %v", e.StageID, e.Path, e.Err)
}

func (e *IngestError) Unwrap() []error { return []error{ErrReportIngest, e.Err} }

// Aggregator parses stage reports, publishes them to the sink and keeps a
// per-stage union of test summaries. It is safe for concurrent use by
// parallel stages.
type Aggregator struct {
	store  sink.Store
	runID  string
	logger *slog.Logger

	mu        sync.Mutex
	summaries map[string]map[string]TestSummary
}

// NewAggregator creates an Aggregator publishing to store under runID.
func NewAggregator(store sink.Store, runID string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		store:     store,
		runID:     runID,
		logger:    logger,
		summaries: make(map[string]map[string]TestSummary),
	}
}

// Ingest parses and publishes rep for stageID. The returned Report carries
// the sink location, digest and, for JUnit reports, the parsed summary.
func (a *Aggregator) Ingest(ctx context.Context, stageID string, rep Report) (Report, error) {
	if rep.Name == "" {
		rep.Name = filepath.Base(rep.SourcePath)
	}
	switch rep.Kind {
	case ReportJUnit:
		return a.ingestJUnit(ctx, stageID, rep)
	case ReportHTML:
		return a.ingestBundle(ctx, stageID, rep, "index.html")
	case ReportFile:
		return a.ingestFile(ctx, stageID, rep)
	default:
		return rep, &IngestError{StageID: stageID, Path: rep.SourcePath, Err: fmt.Errorf("unknown report kind %q", rep.Kind)}
	}
}

func (a *Aggregator) ingestJUnit(ctx context.Context, stageID string, rep Report) (Report, error) {
	f, err := os.Open(rep.SourcePath)
	if err != nil {
		return rep, &IngestError{StageID: stageID, Path: rep.SourcePath, Err: err}
	}
	summary, err := ParseJUnit(f)
	f.Close()
	if err != nil {
		return rep, &IngestError{StageID: stageID, Path: rep.SourcePath, Err: err}
	}
	rep.Summary = &summary
	a.record(stageID, rep.Name, summary)

	published, err := a.ingestFile(ctx, stageID, rep)
	if err != nil {
		return rep, err
	}
	return published, nil
}

func (a *Aggregator) ingestFile(ctx context.Context, stageID string, rep Report) (Report, error) {
	f, err := os.Open(rep.SourcePath)
	if err != nil {
		return rep, &IngestError{StageID: stageID, Path: rep.SourcePath, Err: err}
	}
	defer f.Close()
	return a.publish(ctx, stageID, rep, f)
}

func (a *Aggregator) ingestBundle(ctx context.Context, stageID string, rep Report, index string) (Report, error) {
	if _, err := os.Stat(filepath.Join(rep.SourcePath, index)); err != nil {
		return rep, &IngestError{StageID: stageID, Path: rep.SourcePath, Err: fmt.Errorf("bundle index: %w", err)}
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(ArchiveDir(pw, rep.SourcePath))
	}()
	published, err := a.publish(ctx, stageID, Report{
		Name:       rep.Name + ".tar.zst",
		Kind:       rep.Kind,
		SourcePath: rep.SourcePath,
	}, pr)
	pr.Close()
	if err != nil {
		return rep, err
	}
	published.Name = rep.Name
	return published, nil
}

func (a *Aggregator) publish(ctx context.Context, stageID string, rep Report, r io.Reader) (Report, error) {
	if a.store == nil {
		return rep, nil
	}
	art, err := a.store.Put(ctx, a.runID, sink.Key(stageID, rep.Name), r)
	if err != nil {
		return rep, &IngestError{StageID: stageID, Path: rep.SourcePath, Err: fmt.Errorf("publish: %w", err)}
	}
	rep.PublishedAs = art.Location
	rep.Digest = art.Digest
	a.logger.Debug("report published", "stage", stageID, "report", rep.Name, "location", art.Location, "size", art.Size)
	return rep, nil
}

// record merges a summary into the stage's entry, keyed by report name so
// two reports in one stage never overwrite each other.
func (a *Aggregator) record(stageID, name string, s TestSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byName := a.summaries[stageID]
	if byName == nil {
		byName = make(map[string]TestSummary)
		a.summaries[stageID] = byName
	}
	byName[name] = byName[name].Add(s)
}

// Summaries returns a copy of the per-stage summaries keyed by stage ID and report name.
func (a *Aggregator) Summaries() map[string]map[string]TestSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[string]TestSummary, len(a.summaries))
	for stage, byName := range a.summaries {
		cp := make(map[string]TestSummary, len(byName))
		for name, s := range byName {
			cp[name] = s
		}
		out[stage] = cp
	}
	return out
}

// StageSummary returns the union of a single stage's summaries.
func (a *Aggregator) StageSummary(stageID string) TestSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total TestSummary
	for _, s := range a.summaries[stageID] {
		total = total.Add(s)
	}
	return total
}

// Published lists every artifact the sink holds for this run.
func (a *Aggregator) Published(ctx context.Context) ([]sink.Artifact, error) {
	if a.store == nil {
		return nil, nil
	}
	arts, err := a.store.List(ctx, a.runID)
	if err != nil {
		return nil, fmt.Errorf("list published artifacts: %w", err)
	}
	return arts, nil
}

// Totals returns the union of every stage's summaries.
func (a *Aggregator) Totals() TestSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total TestSummary
	for _, byName := range a.summaries {
		for _, s := range byName {
			total = total.Add(s)
		}
	}
	return total
}
