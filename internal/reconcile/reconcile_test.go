package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/valpere/subtran/internal"
	"github.com/valpere/subtran/internal/corpus"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/translator"
)

type fakeClient struct {
	replies  []translator.Reply
	errs     []error
	calls    atomic.Int32
	accepted atomic.Int32
	rejected atomic.Int32
	consumed atomic.Int32
	attempts []int
}

func (f *fakeClient) System() string { return "system prompt" }

func (f *fakeClient) TranslateGroup(_ context.Context, _ grouper.Group, attempt int) (translator.Reply, error) {
	i := int(f.calls.Add(1)) - 1
	f.attempts = append(f.attempts, attempt)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	if err != nil {
		return translator.Reply{Attempt: attempt}, err
	}
	reply := f.replies[i]
	if reply.Attempt == 0 {
		reply.Attempt = attempt
	}
	return reply, nil
}

func (f *fakeClient) Accept(context.Context, grouper.Group, translator.Reply) error {
	f.accepted.Add(1)
	return nil
}

func (f *fakeClient) Consume(grouper.Group) error {
	f.consumed.Add(1)
	return nil
}

func (f *fakeClient) Reject(context.Context, grouper.Group) error {
	f.rejected.Add(1)
	return nil
}

func threeSegments() ([]internal.Segment, grouper.Group) {
	segs := []internal.Segment{
		{Header: "1\n00:00:01,000 --> 00:00:02,000", Content: "Hello."},
		{Header: "2\n00:00:03,000 --> 00:00:04,000", Content: "How are you?"},
		{Header: "3\n00:00:05,000 --> 00:00:06,000", Content: "Bye."},
	}
	groups := grouper.Split(segs, 1000, grouper.Options{})
	return segs, groups[0]
}

func TestApply_Match(t *testing.T) {
	segs, g := threeSegments()
	r := New(&fakeClient{}, Options{})

	if err := r.Apply(g, "1. Hola.\n2. ¿Cómo estás?\n3. Adiós."); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []string{"Hola.", "¿Cómo estás?", "Adiós."}
	for i, s := range segs {
		if !s.Translated || s.Translation != want[i] {
			t.Errorf("segment %d: got %q (translated=%v), want %q", i, s.Translation, s.Translated, want[i])
		}
	}
}

func TestApply_MismatchLeavesSegments(t *testing.T) {
	segs, g := threeSegments()
	r := New(&fakeClient{}, Options{})

	err := r.Apply(g, "1. Hola. ¿Cómo estás?\n2. Adiós.")
	var mismatch *CountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected CountMismatchError, got %v", err)
	}
	if mismatch.Got != 2 || mismatch.Want != 3 {
		t.Errorf("expected 2/3, got %d/%d", mismatch.Got, mismatch.Want)
	}
	if internal.CountTranslated(segs) != 0 {
		t.Error("segments must not be modified on mismatch")
	}
}

func TestTranslate_SucceedsAfterRetry(t *testing.T) {
	segs, g := threeSegments()
	client := &fakeClient{replies: []translator.Reply{
		{Text: "1. Hola. ¿Cómo estás?\n2. Adiós."},
		{Text: "1. Hola.\n2. ¿Cómo estás?\n3. Adiós."},
	}}
	r := New(client, Options{MaxAttempts: 5})

	out, err := r.Translate(context.Background(), g)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if out.Attempts != 2 || out.Queued {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if !internal.AllTranslated(segs) {
		t.Error("expected every segment translated")
	}
	if client.accepted.Load() != 1 || client.rejected.Load() != 1 {
		t.Errorf("expected 1 accept and 1 reject, got %d and %d", client.accepted.Load(), client.rejected.Load())
	}
}

func TestTranslate_ExhaustionReportsCounts(t *testing.T) {
	segs, g := threeSegments()
	client := &fakeClient{replies: []translator.Reply{{Text: "1. Hola. ¿Cómo estás?\n2. Adiós."}}}
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	c, err := corpus.New(path)
	if err != nil {
		t.Fatal(err)
	}
	r := New(client, Options{MaxAttempts: 5, LogThreshold: 3, Corpus: c})

	_, err = r.Translate(context.Background(), g)
	var mismatch *CountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected CountMismatchError, got %v", err)
	}
	if mismatch.Got != 2 || mismatch.Want != 3 || mismatch.Group != 0 {
		t.Errorf("unexpected mismatch: %+v", mismatch)
	}
	if got := client.calls.Load(); got != 5 {
		t.Errorf("expected 5 calls, got %d", got)
	}
	if client.accepted.Load() != 0 {
		t.Error("nothing should be accepted")
	}
	if internal.CountTranslated(segs) != 0 {
		t.Error("segments must stay untouched after exhaustion")
	}

	recs, err := corpus.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// attempts 4 and 5 are above the threshold
	if len(recs) != 2 {
		t.Fatalf("expected 2 corpus records, got %d", len(recs))
	}
	if recs[0].Attempt != 4 || recs[0].System != "system prompt" || recs[0].Input != "1. Hello.\n2. How are you?\n3. Bye." {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestTranslate_ZeroOptionsUseDefaults(t *testing.T) {
	_, g := threeSegments()
	client := &fakeClient{replies: []translator.Reply{{Text: "1. Hola."}}}
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	c, err := corpus.New(path)
	if err != nil {
		t.Fatal(err)
	}
	r := New(client, Options{Corpus: c})

	if _, err := r.Translate(context.Background(), g); err == nil {
		t.Fatal("expected exhaustion")
	}
	if got := client.calls.Load(); got != DefaultMaxAttempts {
		t.Errorf("expected %d calls, got %d", DefaultMaxAttempts, got)
	}
	recs, err := corpus.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := DefaultMaxAttempts - DefaultLogThreshold; len(recs) != want {
		t.Errorf("expected %d corpus records, got %d", want, len(recs))
	}
}

func TestTranslate_BatchedOutcome(t *testing.T) {
	_, g := threeSegments()
	client := &fakeClient{replies: []translator.Reply{{Text: "1. Hola.\n2. ¿Cómo estás?\n3. Adiós.", Batched: true}}}
	r := New(client, Options{})

	out, err := r.Translate(context.Background(), g)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if !out.Batched {
		t.Error("expected a batched outcome")
	}
	if client.consumed.Load() != 0 {
		t.Error("a verified group must not be consumed by Translate")
	}
	if err := r.Consume(g); err != nil || client.consumed.Load() != 1 {
		t.Errorf("expected Consume to reach the client, got %v", err)
	}
}

func TestTranslate_EndpointErrorsCountAsAttempts(t *testing.T) {
	_, g := threeSegments()
	endpointErr := &translator.EndpointError{Service: "openai", FinishReason: "length"}
	client := &fakeClient{
		errs:    []error{endpointErr, endpointErr, endpointErr},
		replies: []translator.Reply{{}},
	}
	r := New(client, Options{MaxAttempts: 3})

	_, err := r.Translate(context.Background(), g)
	var got *translator.EndpointError
	if !errors.As(err, &got) {
		t.Fatalf("expected wrapped EndpointError, got %v", err)
	}
	if client.calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", client.calls.Load())
	}
}

func TestTranslate_EndpointErrorThenSuccess(t *testing.T) {
	segs, g := threeSegments()
	client := &fakeClient{
		errs: []error{&translator.EndpointError{Service: "openai", Err: errors.New("503")}},
		replies: []translator.Reply{
			{},
			{Text: "1. Hola.\n2. ¿Cómo estás?\n3. Adiós."},
		},
	}
	r := New(client, Options{})

	out, err := r.Translate(context.Background(), g)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if out.Attempts != 2 || !internal.AllTranslated(segs) {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestTranslate_Queued(t *testing.T) {
	segs, g := threeSegments()
	client := &fakeClient{replies: []translator.Reply{{Queued: true}}}
	r := New(client, Options{})

	out, err := r.Translate(context.Background(), g)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if !out.Queued {
		t.Error("expected queued outcome")
	}
	if client.calls.Load() != 1 || internal.CountTranslated(segs) != 0 {
		t.Error("a queued group must not retry or assign")
	}
}

func TestTranslate_ResumesStoredAttempt(t *testing.T) {
	_, g := threeSegments()
	// a stored batch result from attempt 4 of an earlier run
	client := &fakeClient{replies: []translator.Reply{
		{Text: "1. Hola.", Attempt: 4},
		{Queued: true},
	}}
	r := New(client, Options{MaxAttempts: 5})

	out, err := r.Translate(context.Background(), g)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if !out.Queued || out.Attempts != 5 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if len(client.attempts) != 2 || client.attempts[1] != 5 {
		t.Errorf("expected second call at attempt 5, got %v", client.attempts)
	}
}

func TestTranslate_OtherErrorsStop(t *testing.T) {
	_, g := threeSegments()
	boom := errors.New("store unavailable")
	client := &fakeClient{errs: []error{boom}, replies: []translator.Reply{{}}}
	r := New(client, Options{})

	if _, err := r.Translate(context.Background(), g); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if client.calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", client.calls.Load())
	}
}

func TestCountMismatchError_Message(t *testing.T) {
	err := &CountMismatchError{Group: 4, Got: 2, Want: 3}
	if err.Error() != "group 4: line count mismatch 2/3" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
