// Package reader hosts reader sessions. A session is the state of one
// browser tab: identity, catalog, selection, extracted text, playback, audio
// generation and AI insights. One goroutine applies every change in order.
package reader

import (
	"context"
	"errors"
	"sync"

	"readaloud/internal/apperr"
	"readaloud/internal/audio"
	"readaloud/internal/catalog"
	"readaloud/internal/extract"
	"readaloud/internal/insight"
	"readaloud/internal/metrics"
	"readaloud/internal/models"
	"readaloud/internal/session"
	"readaloud/internal/speech"
	"readaloud/internal/worker"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Extractor turns a document into text. extract.Pipeline satisfies it.
type Extractor interface {
	Extract(ctx context.Context, doc models.Document) extract.Result
}

// Submitter queues background work. worker.Dispatcher satisfies it.
type Submitter interface {
	Submit(job worker.Job) error
}

// Deps are the collaborators of one session. Any of them may be nil; the
// matching feature then reports a configuration error.
type Deps struct {
	Identity    session.Provider
	Source      catalog.Source
	Store       catalog.Persistence
	Extractor   Extractor
	Generator   insight.Generator
	Renderer    audio.Renderer
	Credentials audio.CredentialIssuer
	Persister   audio.Persister
	Jobs        Submitter
	// DefaultQuiz is the question count when the browser asks for none.
	DefaultQuiz int
}

var (
	ErrClosed = errors.New("reader session closed")

	errNoText      = apperr.New(apperr.Validation, "no-text", "open a document with readable text first")
	errNoSelection = apperr.New(apperr.Validation, "no-selection", "select a document first")
	errUnknownDoc  = apperr.New(apperr.Validation, "not-found", "that document is not in your library")
	errRemoved     = apperr.New(apperr.Validation, "removed", "the open document was deleted")
	errNoExtractor = apperr.New(apperr.Configuration, "configuration-invalid", "text extraction is not configured")
)

const (
	eventBuffer    = 64
	outboundBuffer = 64
)

type extraction struct {
	loading bool
	result  *extract.Result
}

type Session struct {
	id   string
	deps Deps

	store   *session.Store
	catalog *catalog.Catalog
	speech  *speech.Controller
	audio   *audio.Controller
	summary *insight.Summary
	quiz    *insight.Quiz

	// owned by the loop goroutine; identity and readiness change in the same
	// step as the catalog scope
	readiness  session.Readiness
	identity   *models.Identity
	sessionErr error
	view       View
	selected   string
	epoch      uint64
	extraction extraction
	playErr    error
	notice     string

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	dirty   chan struct{}
	updates chan struct{}
	out     chan Outbound
	quit    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	last Snapshot
}

func New(deps Deps) *Session {
	s := &Session{
		id:      uuid.NewString(),
		deps:    deps,
		view:    ViewList,
		events:  make(chan func(), eventBuffer),
		dirty:   make(chan struct{}, 1),
		updates: make(chan struct{}, 1),
		out:     make(chan Outbound, outboundBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.store = session.NewStore(deps.Identity)
	s.store.OnChange(func(r session.Readiness, id *models.Identity) {
		_, _, err := s.store.State()
		s.post(func() { s.onIdentity(r, id, err) })
	})
	s.catalog = catalog.New(deps.Source, deps.Store)
	s.catalog.OnChange(func([]models.Document) { s.signal() })
	s.speech = speech.NewController(nil, s.speechListener())
	s.audio = audio.NewController(deps.Renderer, deps.Credentials, deps.Persister, s.runJob, s.signal)
	s.summary = insight.NewSummary(deps.Generator, s.runJob, s.signal)
	s.quiz = insight.NewQuiz(deps.Generator, s.runJob, s.signal)
	s.last = Snapshot{Readiness: session.Loading.String(), View: ViewList, Documents: []models.Document{}}
	return s
}

func (s *Session) ID() string { return s.id }

// Start runs the event loop and subscribes to identity changes.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		metrics.ReaderSessionOpened()
		go s.run()
		s.store.Start()
	})
}

// Close stops speech, tears down the catalog and the session store and
// waits for the loop to exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		started := true
		s.startOnce.Do(func() { started = false })
		if !started {
			s.teardown()
			close(s.done)
			return
		}
		<-s.done
		metrics.ReaderSessionClosed()
	})
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound carries speech commands and upload progress to the browser. It is
// closed when the session shuts down.
func (s *Session) Outbound() <-chan Outbound { return s.out }

// Updates signals that Latest has changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Latest returns the most recently published snapshot.
func (s *Session) Latest() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Snapshot returns the render state after every event queued so far has been
// applied.
func (s *Session) Snapshot() Snapshot {
	ch := make(chan Snapshot, 1)
	if !s.post(func() { ch <- s.snapshot() }) {
		return s.Latest()
	}
	select {
	case snap := <-ch:
		return snap
	case <-s.done:
		return s.Latest()
	}
}

// Handle applies a browser message.
func (s *Session) Handle(msg Inbound) {
	s.post(func() {
		s.notice = ""
		if err := s.apply(msg); err != nil {
			s.reject(msg.Type, err)
		}
	})
}

func (s *Session) Select(id string) { s.Handle(Inbound{Type: MsgSelect, DocumentID: id}) }

func (s *Session) Back() { s.Handle(Inbound{Type: MsgBack}) }

// Reset drops the selection and returns to the list view.
func (s *Session) Reset() {
	s.post(func() {
		s.resetSelection("")
		s.view = ViewList
	})
}

// Notify forwards msg to the browser in order with the session's other
// output.
func (s *Session) Notify(msg Outbound) {
	s.post(func() { s.emit(msg) })
}

func (s *Session) apply(msg Inbound) error {
	switch msg.Type {
	case MsgHello:
		s.attachEngine(msg.Speech)
	case MsgSelect:
		return s.selectDocument(msg.DocumentID)
	case MsgBack:
		s.view = ViewList
		s.speech.Stop()
	case MsgPlay:
		text, ok := s.text()
		if !ok {
			return errNoText
		}
		s.playErr = nil
		if err := s.speech.Play(text); err != nil {
			s.playErr = err
		}
	case MsgPause:
		s.speech.Pause()
	case MsgStop:
		s.speech.Stop()
	case MsgSummarize:
		text, _ := s.text()
		return s.summary.Request(s.ctx, s.identity, text)
	case MsgQuiz:
		text, _ := s.text()
		return s.quiz.Request(s.ctx, s.identity, text, insight.QuizCount(msg.Count, s.deps.DefaultQuiz))
	case MsgAnswer:
		return s.quiz.Answer(msg.Index, msg.Option)
	case MsgSubmit:
		_, err := s.quiz.Submit()
		return err
	case MsgGenerateAudio:
		if s.selected == "" {
			return errNoSelection
		}
		text, ok := s.text()
		if !ok {
			return errNoText
		}
		owner := ""
		if s.identity != nil {
			owner = s.identity.ID
		}
		return s.audio.Generate(s.ctx, owner, s.selected, text)
	case MsgEngine:
		s.speech.HandleEvent(speech.Event{Utterance: msg.Utterance, Kind: msg.Event, Reason: msg.Reason})
	default:
		logrus.WithField("type", msg.Type).Debug("unknown reader message")
	}
	return nil
}

func (s *Session) reject(op string, err error) {
	log := logrus.WithFields(logrus.Fields{"session": s.id, "op": op})
	if apperr.IsNoise(err) {
		log.WithError(err).Debug("reader action dropped")
		return
	}
	log.WithError(err).Debug("reader action rejected")
	s.notice = userMessage(err)
}

// attachEngine swaps the speech engine after the browser reports whether it
// can synthesize speech.
func (s *Session) attachEngine(available bool) {
	s.speech.Stop()
	var engine speech.Engine
	if available {
		engine = speech.NewRelay(func(cmd speech.Command) error {
			return s.emit(Outbound{Type: "speech", Speech: &cmd})
		})
	}
	s.speech = speech.NewController(engine, s.speechListener())
	s.playErr = nil
}

func (s *Session) speechListener() speech.Listener {
	return speech.Listener{
		OnStart: func(string) { s.playErr = nil },
		OnError: func(_ string, err error) { s.playErr = err },
	}
}

func (s *Session) onIdentity(r session.Readiness, id *models.Identity, err error) {
	s.readiness, s.sessionErr = r, err
	if models.SameSubject(s.identity, id) {
		if id != nil {
			cp := *id
			s.identity = &cp
		}
		return
	}
	if s.identity != nil {
		s.resetSelection("")
		s.view = ViewList
	}
	s.identity = nil
	if id != nil {
		cp := *id
		s.identity = &cp
	}
	s.catalog.SetIdentity(s.ctx, id)
}

func (s *Session) selectDocument(id string) error {
	if s.identity == nil {
		return catalog.ErrNoIdentity
	}
	if id == "" {
		return errNoSelection
	}
	if _, ok := s.catalog.Find(id); !ok {
		return errUnknownDoc
	}
	s.resetSelection(id)
	s.view = ViewReader
	s.startExtraction()
	return nil
}

// resetSelection clears everything tied to the previous selection. Order
// matters: speech stops before anything else is torn down.
func (s *Session) resetSelection(id string) {
	s.speech.Stop()
	s.audio.Reset()
	s.summary.Reset()
	s.quiz.Reset()
	s.epoch++
	s.extraction = extraction{}
	s.playErr = nil
	s.selected = id
}

func (s *Session) startExtraction() {
	doc, ok := s.catalog.Find(s.selected)
	if !ok {
		return
	}
	if s.deps.Extractor == nil {
		s.extraction = extraction{result: &extract.Result{Status: extract.Failed, Kind: extract.Runtime, Err: errNoExtractor}}
		return
	}
	epoch, docID := s.epoch, s.selected
	s.extraction = extraction{loading: true}
	ctx := s.ctx
	s.runJob("extract", func() {
		defer apperr.Recover("extract-runtime", "the document could not be read", func(err error) {
			logrus.WithError(err).WithField("document_id", docID).Error("extraction panicked")
			res := extract.Result{Status: extract.Failed, Kind: extract.Runtime, Err: err}
			s.post(func() { s.finishExtraction(epoch, docID, res) })
		})
		res := s.deps.Extractor.Extract(ctx, doc)
		s.post(func() { s.finishExtraction(epoch, docID, res) })
	})
}

func (s *Session) finishExtraction(epoch uint64, docID string, res extract.Result) {
	if epoch != s.epoch || docID != s.selected {
		logrus.WithFields(logrus.Fields{"session": s.id, "document_id": docID}).Debug("stale extraction dropped")
		return
	}
	s.extraction = extraction{result: &res}
}

func (s *Session) text() (string, bool) {
	r := s.extraction.result
	if s.selected == "" || r == nil || r.Status != extract.Text {
		return "", false
	}
	return r.Text, true
}

// reconcile closes the reader when the open document leaves the catalog.
func (s *Session) reconcile() {
	if s.selected == "" || s.identity == nil {
		return
	}
	docs := s.catalog.Documents()
	if docs == nil {
		return
	}
	for _, d := range docs {
		if d.ID == s.selected {
			return
		}
	}
	s.resetSelection("")
	s.view = ViewList
	s.notice = userMessage(errRemoved)
}

// runJob queues task on the dispatcher under the current owner, falling back
// to a goroutine when there is no dispatcher or it refuses the job.
func (s *Session) runJob(kind string, task func()) {
	owner := s.id
	if s.identity != nil {
		owner = s.identity.ID
	}
	log := logrus.WithFields(logrus.Fields{"job": kind, "user_id": owner})
	if s.deps.Jobs != nil {
		err := s.deps.Jobs.Submit(worker.Job{Owner: owner, Kind: kind, Run: task})
		if err == nil {
			return
		}
		log.WithError(err).Warn("job not queued, running directly")
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("job panicked")
			}
		}()
		task()
	}()
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.teardown()
			return
		case fn := <-s.events:
			fn()
		case <-s.dirty:
		}
		s.reconcile()
		s.publish()
	}
}

func (s *Session) teardown() {
	s.speech.Stop()
	s.audio.Reset()
	s.summary.Reset()
	s.quiz.Reset()
	s.epoch++
	s.cancel()
	s.catalog.Close()
	s.store.Close()
	close(s.out)
}

// post queues fn for the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// signal asks the loop to publish without queueing an event. It never
// blocks, so controllers may call it from inside the loop.
func (s *Session) signal() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Session) emit(msg Outbound) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

func (s *Session) publish() {
	snap := s.snapshot()
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Readiness:    s.readiness.String(),
		Identity:     s.identity,
		SessionError: userMessage(s.sessionErr),
		Documents:    s.catalog.Documents(),
		CatalogError: userMessage(s.catalog.Err()),
		View:         s.view,
		SelectedID:   s.selected,
		Extraction:   s.extractionView(),
		Notice:       s.notice,
	}
	if snap.Documents == nil {
		snap.Documents = []models.Document{}
	}

	playing, _ := s.speech.State()
	snap.Playback = PlaybackView{State: playing.String(), Available: s.speech.Available(), Error: userMessage(s.playErr)}

	a := s.audio.State()
	snap.Audio = AudioView{Status: a.Status.String(), ResultLocation: a.ResultLocation, Error: userMessage(a.Err)}

	sum := s.summary.State()
	snap.Summary = SummaryView{Status: sum.Status.String(), Summary: sum.Summary, Error: userMessage(sum.Err)}

	q := s.quiz.State()
	snap.Quiz = QuizView{
		Status:    q.Status.String(),
		Questions: q.Questions,
		Answers:   q.Answers,
		Submitted: q.Submitted,
		Score:     q.Score,
		Error:     userMessage(q.Err),
	}
	return snap
}

func (s *Session) extractionView() ExtractionView {
	switch {
	case s.selected == "":
		return ExtractionView{Status: "idle"}
	case s.extraction.loading:
		return ExtractionView{Status: "loading"}
	case s.extraction.result == nil:
		return ExtractionView{Status: "idle"}
	}
	r := s.extraction.result
	v := ExtractionView{Status: r.Status.String(), Pages: r.Pages}
	switch r.Status {
	case extract.Text:
		v.Text = r.Text
	case extract.Failed:
		v.Kind = string(r.Kind)
		v.Error = userMessage(r.Err)
		if v.Error == "" {
			v.Error = "the document could not be read"
		}
	}
	return v
}
