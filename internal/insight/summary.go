package insight

import (
	"context"
	"sync"

	"readaloud/internal/models"

	"github.com/sirupsen/logrus"
)

type SummaryState struct {
	Status  Status
	Summary string
	Err     error
}

// Summary holds at most one summary. A newer request or a Reset makes
// in-flight results stale.
type Summary struct {
	gen      Generator
	run      Runner
	onChange func()

	mu    sync.Mutex
	seq   uint64
	state SummaryState
}

func NewSummary(gen Generator, run Runner, onChange func()) *Summary {
	if run == nil {
		run = GoRunner
	}
	return &Summary{gen: gen, run: run, onChange: onChange}
}

// Request starts a summary of text. It fails fast, without calling the
// generator, when there is no identity.
func (s *Summary) Request(ctx context.Context, id *models.Identity, text string) error {
	if err := checkRequest(s.gen, id, text); err != nil {
		return err
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.state = SummaryState{Status: Loading}
	s.mu.Unlock()
	s.changed()

	s.run("summary", func() {
		defer recoverTask("summary", func(err error) { s.complete(seq, "", err) })
		tctx, cancel := taskContext(ctx)
		defer cancel()
		summary, err := s.gen.Summarize(tctx, text)
		if err != nil {
			err = classify("summary", err)
		}
		record("summary", err)
		s.complete(seq, summary, err)
	})
	return nil
}

func (s *Summary) complete(seq uint64, summary string, err error) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		logrus.Debug("stale summary dropped")
		return
	}
	if err != nil {
		s.state = SummaryState{Status: Error, Err: err}
	} else {
		s.state = SummaryState{Status: Ready, Summary: summary}
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Summary) Reset() {
	s.mu.Lock()
	s.seq++
	s.state = SummaryState{}
	s.mu.Unlock()
}

func (s *Summary) State() SummaryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Summary) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
