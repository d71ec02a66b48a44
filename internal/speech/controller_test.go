package speech

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"readaloud/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine behaves like a browser: it reports start right away and an
// "interrupted" error when an utterance is canceled.
type fakeEngine struct {
	ctrl     *Controller
	active   map[string]bool
	calls    []string
	maxLive  int
	speakErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{active: make(map[string]bool)}
}

func (f *fakeEngine) Available() bool { return true }

func (f *fakeEngine) Speak(id, text string) error {
	f.calls = append(f.calls, "speak:"+text)
	if f.speakErr != nil {
		return f.speakErr
	}
	f.active[id] = true
	if len(f.active) > f.maxLive {
		f.maxLive = len(f.active)
	}
	f.ctrl.HandleEvent(Event{Utterance: id, Kind: EventStart})
	return nil
}

func (f *fakeEngine) Pause(id string) {
	f.calls = append(f.calls, "pause")
	f.ctrl.HandleEvent(Event{Utterance: id, Kind: EventPause})
}

func (f *fakeEngine) Resume(id string) {
	f.calls = append(f.calls, "resume")
	f.ctrl.HandleEvent(Event{Utterance: id, Kind: EventResume})
}

func (f *fakeEngine) Cancel(id string) {
	f.calls = append(f.calls, "cancel")
	if f.active[id] {
		delete(f.active, id)
		f.ctrl.HandleEvent(Event{Utterance: id, Kind: EventError, Reason: "interrupted"})
	}
}

func (f *fakeEngine) finish(id string) {
	delete(f.active, id)
	f.ctrl.HandleEvent(Event{Utterance: id, Kind: EventEnd})
}

type recorder struct {
	starts, ends []string
	errs         []error
}

func setup() (*Controller, *fakeEngine, *recorder) {
	rec := &recorder{}
	eng := newFakeEngine()
	c := NewController(eng, Listener{
		OnStart: func(text string) { rec.starts = append(rec.starts, text) },
		OnEnd:   func(text string) { rec.ends = append(rec.ends, text) },
		OnError: func(_ string, err error) { rec.errs = append(rec.errs, err) },
	})
	eng.ctrl = c
	return c, eng, rec
}

func TestPreemptionSuppressesCallbacks(t *testing.T) {
	c, eng, rec := setup()
	require.NoError(t, c.Play("A"))
	idA := c.Utterance()
	require.NoError(t, c.Play("B"))

	state, text := c.State()
	assert.Equal(t, Speaking, state)
	assert.Equal(t, "B", text)
	assert.Empty(t, rec.ends)
	assert.Empty(t, rec.errs)

	// a late end for A must not touch B
	c.HandleEvent(Event{Utterance: idA, Kind: EventEnd})
	assert.Empty(t, rec.ends)
	state, _ = c.State()
	assert.Equal(t, Speaking, state)

	eng.finish(c.Utterance())
	assert.Equal(t, []string{"B"}, rec.ends)
	state, text = c.State()
	assert.Equal(t, Idle, state)
	assert.Empty(t, text)
}

func TestResumeDoesNotRestart(t *testing.T) {
	c, eng, rec := setup()
	require.NoError(t, c.Play("X"))
	c.Pause()
	state, _ := c.State()
	require.Equal(t, Paused, state)

	require.NoError(t, c.Play("X"))
	state, text := c.State()
	assert.Equal(t, Speaking, state)
	assert.Equal(t, "X", text)
	assert.Equal(t, []string{"X"}, rec.starts, "resume must not fire a second start")
	assert.Equal(t, []string{"speak:X", "pause", "resume"}, eng.calls)
}

func TestPlayDifferentTextWhilePausedPreempts(t *testing.T) {
	c, eng, rec := setup()
	require.NoError(t, c.Play("X"))
	c.Pause()
	require.NoError(t, c.Play("Y"))
	state, text := c.State()
	assert.Equal(t, Speaking, state)
	assert.Equal(t, "Y", text)
	assert.Equal(t, []string{"X", "Y"}, rec.starts)
	assert.Equal(t, []string{"speak:X", "pause", "cancel", "speak:Y"}, eng.calls)
	assert.Empty(t, rec.errs)
}

func TestStopClearsImmediately(t *testing.T) {
	c, eng, rec := setup()
	require.NoError(t, c.Play("X"))
	c.Stop()
	state, text := c.State()
	assert.Equal(t, Idle, state)
	assert.Empty(t, text)
	assert.Empty(t, rec.errs, "interrupted after stop is noise")
	assert.Empty(t, eng.active)

	c.Stop()
	c.Pause()
	assert.Equal(t, []string{"speak:X", "cancel"}, eng.calls)
}

func TestEngineErrorsAreClassified(t *testing.T) {
	c, _, rec := setup()
	require.NoError(t, c.Play("X"))
	c.HandleEvent(Event{Utterance: c.Utterance(), Kind: EventError, Reason: "canceled"})
	assert.Empty(t, rec.errs)
	state, _ := c.State()
	assert.Equal(t, Idle, state)

	require.NoError(t, c.Play("X"))
	c.HandleEvent(Event{Utterance: c.Utterance(), Kind: EventError, Reason: "audio-hardware"})
	require.Len(t, rec.errs, 1)
	assert.Equal(t, apperr.Configuration, apperr.KindOf(rec.errs[0]))
	state, _ = c.State()
	assert.Equal(t, Idle, state)
}

func TestUnavailableEngine(t *testing.T) {
	c := NewController(nil, Listener{})
	assert.False(t, c.Available())
	err := c.Play("hello")
	assert.ErrorIs(t, err, ErrUnavailable)
	state, _ := c.State()
	assert.Equal(t, Idle, state)
}

func TestSpeakFailureReturnsToIdle(t *testing.T) {
	c, eng, _ := setup()
	eng.speakErr = errors.New("socket closed")
	err := c.Play("X")
	require.Error(t, err)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	state, _ := c.State()
	assert.Equal(t, Idle, state)
}

func TestEmptyTextRejected(t *testing.T) {
	c, eng, _ := setup()
	assert.ErrorIs(t, c.Play("  "), ErrEmptyText)
	assert.Empty(t, eng.calls)
}

func TestRandomSequencesKeepOneUtterance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	texts := []string{"A", "B", "C"}
	for round := 0; round < 50; round++ {
		c, eng, rec := setup()
		var lastEnded int
		for step := 0; step < 40; step++ {
			switch rng.Intn(5) {
			case 0, 1:
				_ = c.Play(texts[rng.Intn(len(texts))])
			case 2:
				c.Pause()
			case 3:
				c.Stop()
			case 4:
				if id := c.Utterance(); id != "" && rng.Intn(2) == 0 {
					eng.finish(id)
					lastEnded++
				}
			}
			require.LessOrEqual(t, len(eng.active), 1, fmt.Sprintf("round %d step %d", round, step))
			state, text := c.State()
			if state == Idle {
				require.Empty(t, text)
			} else {
				require.NotEmpty(t, c.Utterance())
			}
		}
		assert.Empty(t, rec.errs)
		assert.Len(t, rec.ends, lastEnded)
		assert.LessOrEqual(t, eng.maxLive, 1)
	}
}

func TestRelayCommands(t *testing.T) {
	var sent []Command
	r := NewRelay(func(cmd Command) error { sent = append(sent, cmd); return nil })
	require.True(t, r.Available())
	require.NoError(t, r.Speak("u1", "hi"))
	r.Pause("u1")
	r.Resume("u1")
	r.Cancel("u1")
	require.Len(t, sent, 4)
	assert.Equal(t, Command{Op: "speak", Utterance: "u1", Text: "hi"}, sent[0])
	assert.Equal(t, "cancel", sent[3].Op)
	assert.False(t, NewRelay(nil).Available())
}
