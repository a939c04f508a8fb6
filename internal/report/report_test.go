package report

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bgricker/conveyor/internal/sink"
)

const junitSuitesDoc = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="api">
    <testcase name="create" classname="api"/>
    <testcase name="delete" classname="api"><failure message="boom"/></testcase>
    <testcase name="update" classname="api"><skipped/></testcase>
  </testsuite>
  <testsuite name="db">
    <testcase name="migrate"/>
    <testcase name="seed"><error message="conn refused"/></testcase>
    <testsuite name="nested">
      <testcase name="inner"/>
    </testsuite>
  </testsuite>
</testsuites>`

func TestParseJUnitSuites(t *testing.T) {
	got, err := ParseJUnit(strings.NewReader(junitSuitesDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := TestSummary{Total: 6, Passed: 3, Failed: 2, Skipped: 1}
	if got != want {
		t.Fatalf("summary = %+v, want %+v", got, want)
	}
}

func TestParseJUnitSingleSuite(t *testing.T) {
	doc := `<testsuite name="unit"><testcase name="a"/><testcase name="b"/></testsuite>`
	got, err := ParseJUnit(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Total != 2 || got.Passed != 2 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestParseJUnitRejectsMalformed(t *testing.T) {
	for _, doc := range []string{"", "<html></html>", "<testsuite><testcase>"} {
		if _, err := ParseJUnit(strings.NewReader(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

func TestCombine(t *testing.T) {
	cases := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, StatusSuccess},
		{"all success", []Status{StatusSuccess, StatusSuccess}, StatusSuccess},
		{"skipped compatible", []Status{StatusSuccess, StatusSkipped}, StatusSuccess},
		{"all skipped", []Status{StatusSkipped, StatusSkipped}, StatusSuccess},
		{"unstable", []Status{StatusSuccess, StatusUnstable}, StatusUnstable},
		{"failure wins", []Status{StatusUnstable, StatusFailure, StatusAborted}, StatusFailure},
		{"aborted over unstable", []Status{StatusUnstable, StatusAborted}, StatusAborted},
	}
	for _, tc := range cases {
		if got := Combine(tc.in); got != tc.want {
			t.Fatalf("%s: Combine(%v) = %s, want %s", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestEscalateOnlyDowngradesSuccess(t *testing.T) {
	if Escalate(StatusSuccess) != StatusUnstable {
		t.Fatalf("success should escalate to unstable")
	}
	for _, st := range []Status{StatusFailure, StatusSkipped, StatusAborted, StatusUnstable} {
		if Escalate(st) != st {
			t.Fatalf("%s must not change", st)
		}
	}
}

func TestSummarize(t *testing.T) {
	root := &StageResult{StageID: "root", Kind: KindSequential, Status: StatusFailure, Children: []*StageResult{
		{StageID: "a", Kind: KindLeaf, Status: StatusSuccess},
		{StageID: "b", Kind: KindLeaf, Status: StatusFailure},
		{StageID: "par", Kind: KindParallel, Status: StatusSkipped, Children: []*StageResult{
			{StageID: "c", Kind: KindLeaf, Status: StatusSkipped},
			{StageID: "d", Kind: KindLeaf, Status: StatusAborted},
		}},
	}}
	s := Summarize(root)
	if s.Stages != 6 || s.Leaves != 4 || s.Passed != 1 || s.Failed != 1 || s.Skipped != 1 || s.Aborted != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", s.ExitCode)
	}
	if root.Find("d") == nil || root.Find("missing") != nil {
		t.Fatalf("Find returned unexpected results")
	}
}

func TestAggregatorIngestJUnit(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "junit.xml")
	if err := os.WriteFile(path, []byte(junitSuitesDoc), 0o644); err != nil {
		t.Fatalf("write junit: %v", err)
	}
	store := sink.NewLocalStore(t.TempDir())
	agg := NewAggregator(store, "run-1", nil)

	rep, err := agg.Ingest(context.Background(), "api-tests", Report{Name: "junit", Kind: ReportJUnit, SourcePath: path})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rep.Summary == nil || rep.Summary.Failed != 2 {
		t.Fatalf("expected parsed summary, got %+v", rep)
	}
	if rep.PublishedAs == "" || rep.Digest == "" {
		t.Fatalf("expected published location, got %+v", rep)
	}

	// Same report name under a different stage must not collide.
	if _, err := agg.Ingest(context.Background(), "unit-tests", Report{Name: "junit", Kind: ReportJUnit, SourcePath: path}); err != nil {
		t.Fatalf("ingest second stage: %v", err)
	}
	sums := agg.Summaries()
	if len(sums) != 2 || sums["api-tests"]["junit"].Total != 6 || sums["unit-tests"]["junit"].Total != 6 {
		t.Fatalf("unexpected per-stage summaries: %+v", sums)
	}
	if tot := agg.Totals(); tot.Total != 12 || tot.Failed != 4 {
		t.Fatalf("unexpected totals: %+v", tot)
	}
	arts, _ := store.List(context.Background(), "run-1")
	if len(arts) != 2 {
		t.Fatalf("expected two published artifacts, got %+v", arts)
	}
}

func TestAggregatorIngestErrors(t *testing.T) {
	ws := t.TempDir()
	bad := filepath.Join(ws, "bad.xml")
	if err := os.WriteFile(bad, []byte("<nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	agg := NewAggregator(sink.NewLocalStore(t.TempDir()), "run", nil)

	for _, rep := range []Report{
		{Kind: ReportJUnit, SourcePath: filepath.Join(ws, "missing.xml")},
		{Kind: ReportJUnit, SourcePath: bad},
		{Kind: ReportHTML, SourcePath: ws},
		{Kind: "pdf", SourcePath: bad},
	} {
		_, err := agg.Ingest(context.Background(), "s", rep)
		if !errors.Is(err, ErrReportIngest) {
			t.Fatalf("expected ingest error for %+v, got %v", rep, err)
		}
		var ie *IngestError
		if !errors.As(err, &ie) || ie.StageID != "s" {
			t.Fatalf("expected IngestError with stage, got %v", err)
		}
	}
}

func TestAggregatorIngestHTMLBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "playwright-report")
	if err := os.MkdirAll(filepath.Join(bundle, "data"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, body := range map[string]string{"index.html": "<html/>", "data/trace.json": "{}"} {
		if err := os.WriteFile(filepath.Join(bundle, filepath.FromSlash(name)), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	agg := NewAggregator(sink.NewLocalStore(t.TempDir()), "run", nil)

	rep, err := agg.Ingest(context.Background(), "e2e", Report{Name: "playwright", Kind: ReportHTML, SourcePath: bundle})
	if err != nil {
		t.Fatalf("ingest bundle: %v", err)
	}
	if rep.Name != "playwright" || !strings.HasSuffix(rep.PublishedAs, "playwright.tar.zst") {
		t.Fatalf("unexpected published report: %+v", rep)
	}

	f, err := os.Open(rep.PublishedAs)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	names, err := listArchive(f)
	if err != nil {
		t.Fatalf("list archive: %v", err)
	}
	want := "data/,data/trace.json,index.html"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("archive entries = %q, want %q", got, want)
	}
}

func TestAggregatorConcurrentIngest(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "junit.xml")
	if err := os.WriteFile(path, []byte(`<testsuite><testcase name="x"/></testsuite>`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	agg := NewAggregator(nil, "run", nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := agg.Ingest(context.Background(), "shared", Report{Name: "junit", Kind: ReportJUnit, SourcePath: path}); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := agg.StageSummary("shared"); got.Total != 16 {
		t.Fatalf("expected 16 merged cases, got %+v", got)
	}
}

func TestArchiveDirIgnoresTimestamps(t *testing.T) {
	build := func(mtime time.Time) []byte {
		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, "css"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for name, body := range map[string]string{"index.html": "<html/>", "css/app.css": "body{}"} {
			p := filepath.Join(dir, filepath.FromSlash(name))
			if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
			if err := os.Chtimes(p, mtime, mtime); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
		var buf bytes.Buffer
		if err := ArchiveDir(&buf, dir); err != nil {
			t.Fatalf("archive: %v", err)
		}
		return buf.Bytes()
	}

	first := build(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	second := build(time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC))
	if !bytes.Equal(first, second) {
		t.Fatalf("identical trees with different mtimes produced different archives")
	}
	names, err := listArchive(bytes.NewReader(first))
	if err != nil || strings.Join(names, ",") != "css/,css/app.css,index.html" {
		t.Fatalf("unexpected entries %v, %v", names, err)
	}
}

// listArchive returns the entry names of an archive produced by ArchiveDir.
func listArchive(r io.Reader) ([]string, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var names []string
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		names = append(names, hdr.Name)
	}
}
