package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/valpere/subtran/internal"
	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/reconcile"
	"github.com/valpere/subtran/internal/translator"
)

const srtSample = `1
00:00:01,000 --> 00:00:02,000
Hello.

2
00:00:03,000 --> 00:00:04,000
How are you?

3
00:00:05,000 --> 00:00:06,000
Goodbye.
`

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// mockTranslator assigns "<content> [es]" to every segment unless told
// otherwise for a group index.
type mockTranslator struct {
	fail     map[int]error
	queue    map[int]bool
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *mockTranslator) Translate(ctx context.Context, g grouper.Group) (reconcile.Outcome, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if err := m.fail[g.Index]; err != nil {
		return reconcile.Outcome{Attempts: 5}, err
	}
	if m.queue[g.Index] {
		return reconcile.Outcome{Queued: true, Attempts: 1}, nil
	}
	for _, s := range g.Segments {
		s.SetTranslation(s.Content + " [es]")
	}
	return reconcile.Outcome{Attempts: 1}, nil
}

func (m *mockTranslator) Consume(grouper.Group) error { return nil }

func newOrchestrator(tr GroupTranslator, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.TargetLang == "" {
		cfg.TargetLang = "es"
	}
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = 1000
	}
	return New(cfg, Deps{
		Translators: func(string) (GroupTranslator, error) { return tr, nil },
		Logger:      logger,
	})
}

func TestTranslateFile_WritesWhenComplete(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)
	o := newOrchestrator(&mockTranslator{}, OrchestratorConfig{SourceLang: "en"}, nil)

	res := o.TranslateFile(context.Background(), input)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Status != StatusWritten || res.Output != filepath.Join(dir, "movie.es.srt") {
		t.Errorf("unexpected result %+v", res)
	}

	data, err := os.ReadFile(res.Output)
	if err != nil {
		t.Fatal(err)
	}
	want := "1\n00:00:01,000 --> 00:00:02,000\nHello. [es]\n\n" +
		"2\n00:00:03,000 --> 00:00:04,000\nHow are you? [es]\n\n" +
		"3\n00:00:05,000 --> 00:00:06,000\nGoodbye. [es]\n"
	if string(data) != want {
		t.Errorf("output = %q, want %q", data, want)
	}
}

func TestTranslateFile_FailedGroupWritesNothing(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)
	mismatch := &reconcile.CountMismatchError{Group: 1, Got: 1, Want: 2}
	tr := &mockTranslator{fail: map[int]error{1: mismatch}}
	// a tiny budget puts every segment in its own group
	o := newOrchestrator(tr, OrchestratorConfig{TokenBudget: 1}, nil)

	res := o.TranslateFile(context.Background(), input)
	if res.Status != StatusFailed || res.Failed != 1 || res.Groups != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	var got *reconcile.CountMismatchError
	if !errors.As(res.Err, &got) || got.Group != 1 {
		t.Errorf("expected the mismatch to surface, got %v", res.Err)
	}
	if tr.calls.Load() != 3 {
		t.Errorf("sibling groups must still run, got %d calls", tr.calls.Load())
	}
	if _, err := os.Stat(res.Output); !os.IsNotExist(err) {
		t.Error("no output file may be written for a failed file")
	}
}

func TestTranslateFile_QueuedWritesNothing(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)
	o := newOrchestrator(&mockTranslator{queue: map[int]bool{0: true}}, OrchestratorConfig{}, nil)

	res := o.TranslateFile(context.Background(), input)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Status != StatusQueued || res.Queued != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := os.Stat(res.Output); !os.IsNotExist(err) {
		t.Error("no output file may be written while groups are queued")
	}
}

func TestTranslateFile_WindowedConcurrency(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&sb, "%d\n00:00:%02d,000 --> 00:00:%02d,500\nLine %d\n\n", i, i, i, i)
	}
	input := writeInput(t, dir, "long.srt", sb.String())
	tr := &mockTranslator{delay: 20 * time.Millisecond}
	o := newOrchestrator(tr, OrchestratorConfig{TokenBudget: 1, Concurrency: 4}, nil)

	res := o.TranslateFile(context.Background(), input)
	if res.Err != nil || res.Status != StatusWritten {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Groups != 25 || tr.calls.Load() != 25 {
		t.Errorf("expected 25 groups and calls, got %d and %d", res.Groups, tr.calls.Load())
	}
	if got := tr.maxSeen.Load(); got > 4 {
		t.Errorf("expected at most 4 groups in flight, saw %d", got)
	}
}

func TestTranslateFile_SkipsExistingOutput(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)
	writeInput(t, dir, "movie.es.srt", "existing")
	tr := &mockTranslator{}
	o := newOrchestrator(tr, OrchestratorConfig{}, nil)

	res := o.TranslateFile(context.Background(), input)
	if res.Status != StatusSkipped || tr.calls.Load() != 0 {
		t.Errorf("expected skip without calls, got %+v", res)
	}

	o = newOrchestrator(tr, OrchestratorConfig{Overwrite: true}, nil)
	if res := o.TranslateFile(context.Background(), input); res.Status != StatusWritten {
		t.Errorf("expected overwrite, got %+v", res)
	}
}

func TestTranslateFile_OutputDir(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)
	o := newOrchestrator(&mockTranslator{}, OrchestratorConfig{OutputDir: outDir}, nil)

	res := o.TranslateFile(context.Background(), input)
	if res.Output != filepath.Join(outDir, "movie.es.srt") || res.Status != StatusWritten {
		t.Errorf("unexpected result %+v", res)
	}
}

type fixedDetector struct{ lang string }

func (d fixedDetector) DetectSegments([]internal.Segment) (string, bool) {
	return d.lang, d.lang != ""
}

func TestTranslateFile_DetectsSourceLanguage(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)

	var requested []string
	var mu sync.Mutex
	o := New(OrchestratorConfig{SourceLang: "auto", TargetLang: "es", TokenBudget: 1000}, Deps{
		Translators: func(lang string) (GroupTranslator, error) {
			mu.Lock()
			requested = append(requested, lang)
			mu.Unlock()
			return &mockTranslator{}, nil
		},
		Detector: fixedDetector{lang: "en"},
	})

	res := o.TranslateFile(context.Background(), input)
	if res.SourceLang != "en" || res.Status != StatusWritten {
		t.Errorf("unexpected result %+v", res)
	}
	if len(requested) != 1 || requested[0] != "en" {
		t.Errorf("expected a translator for en, got %v", requested)
	}
}

func TestRun_ContinuesAfterFailures(t *testing.T) {
	dir := t.TempDir()
	bad := writeInput(t, dir, "empty.srt", "")
	failing := writeInput(t, dir, "a.srt", srtSample)
	good := filepath.Join(t.TempDir(), "b.srt")
	os.WriteFile(good, []byte(srtSample), 0o644)

	core, logs := observer.New(zap.InfoLevel)
	tr := &mockTranslator{fail: map[int]error{0: &reconcile.CountMismatchError{Group: 0, Got: 2, Want: 3}}}
	o := newOrchestrator(tr, OrchestratorConfig{}, zap.New(core))

	summary, err := o.Run(context.Background(), []string{bad, failing})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if summary.Count(StatusFailed) != 2 {
		t.Errorf("expected 2 failed files, got %+v", summary.Files)
	}

	mismatchLogs := logs.FilterMessage("file not translated").All()
	if len(mismatchLogs) != 1 {
		t.Fatalf("expected 1 failure log, got %d", len(mismatchLogs))
	}
	if got := mismatchLogs[0].ContextMap()["counts"]; got != "2/3" {
		t.Errorf("expected counts 2/3 in the log, got %v", got)
	}
	if logs.FilterMessage("skipping file without subtitles").Len() != 1 {
		t.Error("expected the empty file to be logged as skipped")
	}

	ok := newOrchestrator(&mockTranslator{}, OrchestratorConfig{}, nil)
	summary, err = ok.Run(context.Background(), []string{bad, good})
	if err == nil || summary.Count(StatusWritten) != 1 {
		t.Errorf("expected the good file to be written after a bad one, got %+v, %v", summary.Files, err)
	}
}

// upperRemote completes every job by upper-casing each numbered line.
type upperRemote struct {
	mu      sync.Mutex
	lines   map[string][]batch.Line
	creates atomic.Int32
	// mangle, when set, may rewrite the reply for a line of a job.
	mangle func(jobID, reply string) string
}

func (r *upperRemote) CreateJob(_ context.Context, lines []batch.Line) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("batch_%d", r.creates.Add(1))
	if r.lines == nil {
		r.lines = make(map[string][]batch.Line)
	}
	r.lines[id] = append([]batch.Line(nil), lines...)
	return id, nil
}

func (r *upperRemote) JobStatus(_ context.Context, id string) (batch.RemoteStatus, error) {
	return batch.RemoteStatus{Status: "completed", OutputFileID: id}, nil
}

func (r *upperRemote) Download(_ context.Context, fileID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, l := range r.lines[fileID] {
		reply := strings.ToUpper(l.Content)
		if r.mangle != nil {
			reply = r.mangle(fileID, reply)
		}
		rec := map[string]any{
			"custom_id": l.CustomID,
			"response": map[string]any{
				"status_code": 200,
				"body": map[string]any{
					"choices": []map[string]any{{
						"message":       map[string]any{"content": reply},
						"finish_reason": "stop",
					}},
				},
			},
		}
		b, _ := json.Marshal(rec)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}

func TestRun_BatchAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", srtSample)
	storePath := filepath.Join(t.TempDir(), "batch_jobs.json")
	remote := &upperRemote{}
	ctx := context.Background()

	run := func() (Summary, *batch.Manager) {
		mgr, err := batch.Open(storePath, remote, nil)
		if err != nil {
			t.Fatal(err)
		}
		client := translator.NewClient(nil, translator.ClientConfig{SourceLang: "en", TargetLang: "es"}, translator.WithBatch(mgr))
		rec := reconcile.New(client, reconcile.Options{MaxAttempts: 3})
		o := New(OrchestratorConfig{SourceLang: "en", TargetLang: "es", TokenBudget: 1000}, Deps{
			Translators: func(string) (GroupTranslator, error) { return rec, nil },
			Batch:       mgr,
		})
		summary, err := o.Run(ctx, []string{input})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return summary, mgr
	}

	first, _ := run()
	if first.Count(StatusQueued) != 1 || first.JobID == "" {
		t.Fatalf("expected a queued file and a job, got %+v", first)
	}

	// nothing is resolved until the job is polled
	second, mgr := run()
	if second.Count(StatusQueued) != 1 || second.JobID != "" {
		t.Fatalf("expected the file to stay queued without a new job, got %+v", second)
	}
	if _, err := mgr.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	third, mgr := run()
	if third.Count(StatusWritten) != 1 {
		t.Fatalf("expected the file to be written, got %+v", third.Files)
	}
	data, err := os.ReadFile(third.Files[0].Output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\nHOW ARE YOU?\n") {
		t.Errorf("unexpected output %q", data)
	}
	if len(mgr.Jobs()) != 0 {
		t.Errorf("expected consumed jobs to be removed, got %d", len(mgr.Jobs()))
	}
	if remote.creates.Load() != 1 {
		t.Errorf("expected a single remote job, got %d", remote.creates.Load())
	}
}

func TestRun_BatchResultKeptUntilFileWritten(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "movie.srt", "1\n00:00:01,000 --> 00:00:02,000\nHello.\n\n2\n00:00:03,000 --> 00:00:04,000\nGoodbye.\n")
	storePath := filepath.Join(t.TempDir(), "batch_jobs.json")
	// the first job answers the second cue with an extra line
	remote := &upperRemote{mangle: func(jobID, reply string) string {
		if jobID == "batch_1" && strings.Contains(reply, "GOODBYE") {
			return reply + "\nEXTRA"
		}
		return reply
	}}
	ctx := context.Background()
	cfg := translator.ClientConfig{SourceLang: "en", TargetLang: "es"}

	run := func() (Summary, *batch.Manager) {
		mgr, err := batch.Open(storePath, remote, nil)
		if err != nil {
			t.Fatal(err)
		}
		client := translator.NewClient(nil, cfg, translator.WithBatch(mgr))
		rec := reconcile.New(client, reconcile.Options{MaxAttempts: 3})
		// one group per cue
		o := New(OrchestratorConfig{SourceLang: "en", TargetLang: "es", TokenBudget: 1}, Deps{
			Translators: func(string) (GroupTranslator, error) { return rec, nil },
			Batch:       mgr,
		})
		summary, err := o.Run(ctx, []string{input})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if _, err := mgr.Poll(ctx); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		return summary, mgr
	}
	system := translator.NewClient(nil, cfg).System()

	if first, _ := run(); first.Count(StatusQueued) != 1 || first.Files[0].Groups != 2 {
		t.Fatalf("expected two queued groups, got %+v", first.Files)
	}

	// the first cue verifies, the second is resubmitted
	second, mgr := run()
	if second.Count(StatusQueued) != 1 || second.JobID == "" {
		t.Fatalf("expected the file to stay queued with a new job, got %+v", second)
	}
	req, ok := mgr.Lookup("1. Hello.", system)
	if !ok || req.Result == nil {
		t.Fatal("verified result must stay stored while the file is unwritten")
	}

	third, mgr := run()
	if third.Count(StatusWritten) != 1 {
		t.Fatalf("expected the file to be written, got %+v", third.Files)
	}
	data, err := os.ReadFile(third.Files[0].Output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\nHELLO.\n") || !strings.Contains(string(data), "\nGOODBYE.\n") {
		t.Errorf("unexpected output %q", data)
	}
	if remote.creates.Load() != 2 {
		t.Errorf("expected two remote jobs, got %d", remote.creates.Load())
	}
	if _, ok := mgr.Lookup("1. Hello.", system); ok {
		t.Error("expected the result to be consumed after writing")
	}
	if len(mgr.Jobs()) != 0 {
		t.Errorf("expected no jobs left, got %+v", mgr.Jobs())
	}
}
