package reader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"readaloud/internal/extract"
	"readaloud/internal/models"
	"readaloud/internal/speech"
	"readaloud/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu  sync.Mutex
	id  *models.Identity
	fns []func(*models.Identity)
}

func (p *fakeProvider) OnIdentityChange(fn func(*models.Identity)) (func(), error) {
	p.mu.Lock()
	p.fns = append(p.fns, fn)
	id := p.id
	p.mu.Unlock()
	fn(id)
	return func() {}, nil
}

func (p *fakeProvider) set(id *models.Identity) {
	p.mu.Lock()
	p.id = id
	fns := append([]func(*models.Identity){}, p.fns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

type fakeSource struct {
	mu       sync.Mutex
	docs     map[string][]models.Document
	watchers map[string]func([]models.Document)
}

func newFakeSource() *fakeSource {
	return &fakeSource{docs: make(map[string][]models.Document), watchers: make(map[string]func([]models.Document))}
}

func (f *fakeSource) Watch(_ context.Context, owner string, fn func([]models.Document)) (func(), error) {
	f.mu.Lock()
	f.watchers[owner] = fn
	docs := append([]models.Document(nil), f.docs[owner]...)
	f.mu.Unlock()
	go fn(docs)
	return func() {
		f.mu.Lock()
		delete(f.watchers, owner)
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) publish(owner string, docs ...models.Document) {
	f.mu.Lock()
	f.docs[owner] = docs
	fn := f.watchers[owner]
	f.mu.Unlock()
	if fn != nil {
		fn(append([]models.Document{}, docs...))
	}
}

// panickyRenderer panics on its first call only.
type panickyRenderer struct {
	mu    sync.Mutex
	calls int
}

func (p *panickyRenderer) Render(_ context.Context, _, documentID, _ string) (string, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		panic("render client exploded")
	}
	return "local://audio/" + documentID + ".mp3", nil
}

type panickyExtractor struct{}

func (panickyExtractor) Extract(context.Context, models.Document) extract.Result {
	panic("parser exploded")
}

// gatedExtractor blocks each extraction until its document is released.
type gatedExtractor struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	open  bool
}

func (g *gatedExtractor) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates == nil {
		g.gates = make(map[string]chan struct{})
	}
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan struct{})
		g.gates[id] = ch
	}
	return ch
}

func (g *gatedExtractor) release(id string) { close(g.gate(id)) }

func (g *gatedExtractor) Extract(ctx context.Context, doc models.Document) extract.Result {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	if !open {
		select {
		case <-g.gate(doc.ID):
		case <-ctx.Done():
			return extract.Result{Status: extract.Failed, Kind: extract.Canceled, Err: ctx.Err()}
		}
	}
	return extract.Result{Status: extract.Text, Text: "text of " + doc.ID, Pages: 1}
}

type fakeGenerator struct {
	gate chan struct{}
}

func (g *fakeGenerator) Summarize(ctx context.Context, text string) (string, error) {
	if g.gate != nil {
		<-g.gate
	}
	return "summary: " + text, nil
}

func (g *fakeGenerator) GenerateQuiz(ctx context.Context, text string, count int) ([]models.QuizQuestion, error) {
	out := make([]models.QuizQuestion, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, models.QuizQuestion{
			Prompt:  fmt.Sprintf("q%d", i),
			Options: []string{"a", "b", "c", "d"},
			Answer:  "a",
		})
	}
	return out, nil
}

type fakeGeneratorCounts struct {
	fakeGenerator
	mu     sync.Mutex
	counts []int
}

func (g *fakeGeneratorCounts) GenerateQuiz(ctx context.Context, text string, count int) ([]models.QuizQuestion, error) {
	g.mu.Lock()
	g.counts = append(g.counts, count)
	g.mu.Unlock()
	return g.fakeGenerator.GenerateQuiz(ctx, text, count)
}

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, credential, documentID, _ string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("no credential")
	}
	return "local://audio/" + documentID + ".mp3", nil
}

type fakeCreds struct{}

func (fakeCreds) IssueCredential(context.Context) (string, error) { return "cred", nil }

type fakePersister struct {
	mu       sync.Mutex
	attached map[string]string
}

func (p *fakePersister) AttachAudio(_ context.Context, _, documentID, location string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached == nil {
		p.attached = make(map[string]string)
	}
	p.attached[documentID] = location
	return nil
}

type harness struct {
	session   *Session
	provider  *fakeProvider
	source    *fakeSource
	extractor *gatedExtractor
	generator *fakeGenerator
	persister *fakePersister
}

var alice = &models.Identity{ID: "u1", Email: "alice@example.com"}

func doc(id, owner string, age time.Duration) models.Document {
	return models.Document{
		ID:          id,
		OwnerID:     owner,
		DisplayName: id + ".pdf",
		MediaType:   models.MediaTypePDF,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(-age),
	}
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		provider:  &fakeProvider{id: alice},
		source:    newFakeSource(),
		extractor: &gatedExtractor{open: true},
		generator: &fakeGenerator{},
		persister: &fakePersister{},
	}
	h.source.docs["u1"] = []models.Document{doc("a", "u1", 2*time.Hour), doc("b", "u1", time.Hour)}
	deps := Deps{
		Identity:    h.provider,
		Source:      h.source,
		Extractor:   h.extractor,
		Generator:   h.generator,
		Renderer:    fakeRenderer{},
		Credentials: fakeCreds{},
		Persister:   h.persister,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.session = New(deps)
	h.session.Start()
	t.Cleanup(h.session.Close)
	h.waitFor(t, "catalog loaded", func(s Snapshot) bool { return len(s.Documents) == 2 })
	return h
}

func (h *harness) waitFor(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = h.session.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, snap)
	return snap
}

func (h *harness) nextSpeech(t *testing.T) speech.Command {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-h.session.Outbound():
			if !ok {
				t.Fatalf("outbound closed")
			}
			if msg.Type == "speech" {
				return *msg.Speech
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a speech command")
		}
	}
}

func (h *harness) openText(t *testing.T, id string) {
	t.Helper()
	h.session.Select(id)
	h.waitFor(t, "text of "+id, func(s Snapshot) bool {
		return s.SelectedID == id && s.Extraction.Status == "text"
	})
}

func TestCatalogIsNewestFirst(t *testing.T) {
	h := newHarness(t)
	snap := h.session.Snapshot()
	assert.Equal(t, "ready-with-identity", snap.Readiness)
	require.Len(t, snap.Documents, 2)
	assert.Equal(t, "b", snap.Documents[0].ID)
	assert.Equal(t, ViewList, snap.View)
}

func TestSelectResetsEverythingTiedToThePreviousDocument(t *testing.T) {
	h := newHarness(t)
	h.session.Handle(Inbound{Type: MsgHello, Speech: true})
	h.openText(t, "a")

	h.session.Handle(Inbound{Type: MsgPlay})
	speak := h.nextSpeech(t)
	require.Equal(t, "speak", speak.Op)
	assert.Equal(t, "text of a", speak.Text)
	h.session.Handle(Inbound{Type: MsgEngine, Utterance: speak.Utterance, Event: speech.EventStart})

	h.session.Handle(Inbound{Type: MsgSummarize})
	h.session.Handle(Inbound{Type: MsgQuiz, Count: 2})
	h.session.Handle(Inbound{Type: MsgGenerateAudio})
	h.waitFor(t, "everything ready", func(s Snapshot) bool {
		return s.Playback.State == "speaking" && s.Summary.Status == "ready" &&
			s.Quiz.Status == "ready" && s.Audio.Status == "ready"
	})

	h.session.Select("b")
	cancel := h.nextSpeech(t)
	assert.Equal(t, "cancel", cancel.Op)
	assert.Equal(t, speak.Utterance, cancel.Utterance)

	snap := h.waitFor(t, "text of b", func(s Snapshot) bool { return s.Extraction.Status == "text" })
	assert.Equal(t, "b", snap.SelectedID)
	assert.Equal(t, ViewReader, snap.View)
	assert.Equal(t, "text of b", snap.Extraction.Text)
	assert.Equal(t, "idle", snap.Playback.State)
	assert.Equal(t, "idle", snap.Audio.Status)
	assert.Empty(t, snap.Audio.ResultLocation)
	assert.Equal(t, "idle", snap.Summary.Status)
	assert.Empty(t, snap.Summary.Summary)
	assert.Equal(t, "idle", snap.Quiz.Status)
	assert.Empty(t, snap.Quiz.Questions)

	// the preempted utterance can no longer end playback of anything
	h.session.Handle(Inbound{Type: MsgEngine, Utterance: speak.Utterance, Event: speech.EventEnd})
	assert.Equal(t, "idle", h.session.Snapshot().Playback.State)
}

func TestStaleExtractionIsDropped(t *testing.T) {
	h := newHarness(t)
	h.extractor.mu.Lock()
	h.extractor.open = false
	h.extractor.mu.Unlock()

	h.session.Select("a")
	h.waitFor(t, "loading a", func(s Snapshot) bool { return s.Extraction.Status == "loading" })
	h.session.Select("b")
	h.waitFor(t, "loading b", func(s Snapshot) bool { return s.SelectedID == "b" })

	h.extractor.release("a")
	time.Sleep(50 * time.Millisecond)
	snap := h.session.Snapshot()
	assert.Equal(t, "loading", snap.Extraction.Status, "result for a must not land on b")

	h.extractor.release("b")
	snap = h.waitFor(t, "text of b", func(s Snapshot) bool { return s.Extraction.Status == "text" })
	assert.Equal(t, "text of b", snap.Extraction.Text)
}

func TestReselectingTheSameDocumentDropsTheEarlierExtraction(t *testing.T) {
	h := newHarness(t)
	h.extractor.mu.Lock()
	h.extractor.open = false
	h.extractor.mu.Unlock()

	h.session.Select("a")
	h.session.Back()
	h.session.Select("a")
	h.extractor.release("a")
	snap := h.waitFor(t, "text of a", func(s Snapshot) bool { return s.Extraction.Status == "text" })
	assert.Equal(t, "text of a", snap.Extraction.Text)
}

func TestStaleSummaryIsDropped(t *testing.T) {
	h := newHarness(t)
	h.generator.gate = make(chan struct{})
	h.openText(t, "a")

	h.session.Handle(Inbound{Type: MsgSummarize})
	h.waitFor(t, "summary loading", func(s Snapshot) bool { return s.Summary.Status == "loading" })
	h.openText(t, "b")
	close(h.generator.gate)
	time.Sleep(50 * time.Millisecond)
	snap := h.session.Snapshot()
	assert.Equal(t, "idle", snap.Summary.Status)
	assert.Empty(t, snap.Summary.Summary)
}

func TestIdentityLossClearsSelectionAndCatalog(t *testing.T) {
	h := newHarness(t)
	h.openText(t, "a")

	h.provider.set(nil)
	snap := h.waitFor(t, "signed out", func(s Snapshot) bool { return s.Readiness == "ready-without-identity" })
	assert.Nil(t, snap.Identity)
	assert.Empty(t, snap.Documents)
	assert.Empty(t, snap.SelectedID)
	assert.Equal(t, ViewList, snap.View)
	assert.Equal(t, "idle", snap.Extraction.Status)
}

func TestIdentitySwitchRescopesCatalog(t *testing.T) {
	h := newHarness(t)
	h.source.docs["u2"] = []models.Document{doc("c", "u2", time.Hour), doc("leak", "u1", time.Hour)}
	h.openText(t, "a")

	h.provider.set(&models.Identity{ID: "u2", Email: "bob@example.com"})
	snap := h.waitFor(t, "bob's catalog", func(s Snapshot) bool {
		return s.Identity != nil && s.Identity.ID == "u2" && len(s.Documents) == 1
	})
	assert.Equal(t, "c", snap.Documents[0].ID)
	assert.Empty(t, snap.SelectedID)

	// a late snapshot for the old owner must not reach the new one
	h.source.publish("u1", doc("late", "u1", 0))
	time.Sleep(20 * time.Millisecond)
	snap = h.session.Snapshot()
	require.Len(t, snap.Documents, 1)
	assert.Equal(t, "c", snap.Documents[0].ID)
}

func TestIdentitySwitchNeverShowsTheOldOwnersDocuments(t *testing.T) {
	h := newHarness(t)
	h.source.docs["u2"] = []models.Document{doc("c", "u2", time.Hour)}

	// park the loop in emit so the switch arrives while it is busy
	for i := 0; i < outboundBuffer+4; i++ {
		h.session.Notify(Outbound{Type: "upload"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.session.out) < outboundBuffer && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Len(t, h.session.out, outboundBuffer)

	h.provider.set(&models.Identity{ID: "u2", Email: "bob@example.com"})

	deadline = time.Now().Add(3 * time.Second)
	for {
		select {
		case <-h.session.Outbound():
		default:
		}
		time.Sleep(time.Millisecond)
		snap := h.session.Latest()
		if snap.Identity == nil {
			assert.NotEqual(t, "ready-with-identity", snap.Readiness)
			assert.Empty(t, snap.Documents, "documents shown without an identity")
		} else {
			assert.Equal(t, "ready-with-identity", snap.Readiness)
			for _, d := range snap.Documents {
				require.Equalf(t, snap.Identity.ID, d.OwnerID, "%s shown document %s of %s", snap.Identity.ID, d.ID, d.OwnerID)
			}
		}
		if snap.Identity != nil && snap.Identity.ID == "u2" && len(snap.Documents) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never switched to the new owner; last snapshot: %+v", snap)
		}
	}
}

func TestSignOutWhileBusyNeverPairsReadinessWithDocuments(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < outboundBuffer+4; i++ {
		h.session.Notify(Outbound{Type: "upload"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.session.out) < outboundBuffer && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.provider.set(nil)
	for i := 0; i < outboundBuffer+4; i++ {
		select {
		case <-h.session.Outbound():
		case <-time.After(2 * time.Second):
			t.Fatalf("loop stalled after %d messages", i)
		}
		snap := h.session.Latest()
		if snap.Readiness == "ready-without-identity" {
			assert.Nil(t, snap.Identity)
			assert.Empty(t, snap.Documents)
		} else {
			require.NotNil(t, snap.Identity)
			assert.Equal(t, "u1", snap.Identity.ID)
		}
	}
	snap := h.waitFor(t, "signed out", func(s Snapshot) bool { return s.Readiness == "ready-without-identity" })
	assert.Empty(t, snap.Documents)
}

func TestWorkerPanicsLeaveActionsRetryable(t *testing.T) {
	jobs := worker.NewDispatcher(1, 2, 16, time.Minute)
	t.Cleanup(jobs.Stop)
	render := &panickyRenderer{}
	h := newHarness(t, func(d *Deps) {
		d.Jobs = jobs
		d.Renderer = render
	})
	h.openText(t, "a")

	h.session.Handle(Inbound{Type: MsgGenerateAudio})
	snap := h.waitFor(t, "audio failed", func(s Snapshot) bool { return s.Audio.Status == "error" })
	assert.NotEmpty(t, snap.Audio.Error)

	h.session.Handle(Inbound{Type: MsgGenerateAudio})
	snap = h.waitFor(t, "audio ready", func(s Snapshot) bool { return s.Audio.Status == "ready" })
	assert.Empty(t, snap.Notice, "retry must not be rejected as already running")
	assert.Equal(t, "local://audio/a.mp3", snap.Audio.ResultLocation)
	render.mu.Lock()
	assert.Equal(t, 2, render.calls)
	render.mu.Unlock()
}

func TestExtractorPanicFailsTheExtraction(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Extractor = panickyExtractor{} })
	h.session.Select("a")
	snap := h.waitFor(t, "extraction failed", func(s Snapshot) bool { return s.Extraction.Status == "failed" })
	assert.Equal(t, string(extract.Runtime), snap.Extraction.Kind)
	assert.NotEmpty(t, snap.Extraction.Error)
}

func TestQuizUsesConfiguredDefaultCount(t *testing.T) {
	gen := &fakeGeneratorCounts{}
	h := newHarness(t, func(d *Deps) {
		d.Generator = gen
		d.DefaultQuiz = 3
	})
	h.openText(t, "a")

	h.session.Handle(Inbound{Type: MsgQuiz})
	snap := h.waitFor(t, "quiz ready", func(s Snapshot) bool { return s.Quiz.Status == "ready" })
	assert.Len(t, snap.Quiz.Questions, 3)

	h.session.Handle(Inbound{Type: MsgQuiz, Count: 99})
	h.waitFor(t, "second quiz", func(s Snapshot) bool { return len(s.Quiz.Questions) == 20 })
	gen.mu.Lock()
	assert.Equal(t, []int{3, 20}, gen.counts)
	gen.mu.Unlock()
}

func TestSelectRejectsUnknownDocuments(t *testing.T) {
	h := newHarness(t)
	h.session.Select("missing")
	snap := h.session.Snapshot()
	assert.Empty(t, snap.SelectedID)
	assert.Equal(t, ViewList, snap.View)
	assert.NotEmpty(t, snap.Notice)
}

func TestDeletedDocumentClosesTheReader(t *testing.T) {
	h := newHarness(t)
	h.openText(t, "a")
	h.source.publish("u1", doc("b", "u1", time.Hour))
	snap := h.waitFor(t, "reader closed", func(s Snapshot) bool { return s.SelectedID == "" })
	assert.Equal(t, ViewList, snap.View)
	assert.NotEmpty(t, snap.Notice)
}

func TestPlaybackWithoutSpeechEngine(t *testing.T) {
	h := newHarness(t)
	h.openText(t, "a")
	h.session.Handle(Inbound{Type: MsgPlay})
	snap := h.session.Snapshot()
	assert.False(t, snap.Playback.Available)
	assert.Equal(t, "idle", snap.Playback.State)
	assert.NotEmpty(t, snap.Playback.Error)
}

func TestBrowserEngineEventsDrivePlayback(t *testing.T) {
	h := newHarness(t)
	h.session.Handle(Inbound{Type: MsgHello, Speech: true})
	h.openText(t, "a")

	h.session.Handle(Inbound{Type: MsgPlay})
	speak := h.nextSpeech(t)
	h.session.Handle(Inbound{Type: MsgPause})
	assert.Equal(t, "pause", h.nextSpeech(t).Op)
	assert.Equal(t, "paused", h.session.Snapshot().Playback.State)

	h.session.Handle(Inbound{Type: MsgPlay})
	resume := h.nextSpeech(t)
	assert.Equal(t, "resume", resume.Op)
	assert.Equal(t, speak.Utterance, resume.Utterance)

	h.session.Handle(Inbound{Type: MsgEngine, Utterance: speak.Utterance, Event: speech.EventError, Reason: "interrupted"})
	snap := h.session.Snapshot()
	assert.Equal(t, "idle", snap.Playback.State)
	assert.Empty(t, snap.Playback.Error)
}

func TestQuizAnswerAndSubmit(t *testing.T) {
	h := newHarness(t)
	h.openText(t, "a")
	h.session.Handle(Inbound{Type: MsgQuiz, Count: 2})
	h.waitFor(t, "quiz ready", func(s Snapshot) bool { return s.Quiz.Status == "ready" })

	h.session.Handle(Inbound{Type: MsgAnswer, Index: 0, Option: "a"})
	h.session.Handle(Inbound{Type: MsgAnswer, Index: 1, Option: "b"})
	h.session.Handle(Inbound{Type: MsgSubmit})
	snap := h.session.Snapshot()
	require.NotNil(t, snap.Quiz.Score)
	assert.Equal(t, 50, *snap.Quiz.Score)
	assert.True(t, snap.Quiz.Submitted)

	h.session.Handle(Inbound{Type: MsgAnswer, Index: 1, Option: "a"})
	assert.NotEmpty(t, h.session.Snapshot().Notice)
}

func TestGeneratedAudioIsAttached(t *testing.T) {
	h := newHarness(t)
	h.session.Handle(Inbound{Type: MsgGenerateAudio})
	assert.NotEmpty(t, h.session.Snapshot().Notice)

	h.openText(t, "a")
	h.session.Handle(Inbound{Type: MsgGenerateAudio})
	snap := h.waitFor(t, "audio ready", func(s Snapshot) bool { return s.Audio.Status == "ready" })
	assert.Equal(t, "local://audio/a.mp3", snap.Audio.ResultLocation)
	h.persister.mu.Lock()
	assert.Equal(t, "local://audio/a.mp3", h.persister.attached["a"])
	h.persister.mu.Unlock()
}

func TestCloseShutsTheSessionDown(t *testing.T) {
	h := newHarness(t)
	h.session.Close()
	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
	for range h.session.Outbound() {
	}
	// calls after close are ignored
	h.session.Select("a")
	h.session.Close()
}
