package insight

import (
	"context"
	"sync"

	"readaloud/internal/models"

	"github.com/sirupsen/logrus"
)

// QuizState is one quiz attempt. Answers maps question index to the chosen
// option.
type QuizState struct {
	Status    Status
	Questions []models.QuizQuestion
	Answers   map[int]string
	Submitted bool
	Score     *int
	Err       error
}

type Quiz struct {
	gen      Generator
	run      Runner
	onChange func()

	mu    sync.Mutex
	seq   uint64
	state QuizState
}

func NewQuiz(gen Generator, run Runner, onChange func()) *Quiz {
	if run == nil {
		run = GoRunner
	}
	return &Quiz{gen: gen, run: run, onChange: onChange}
}

// Request generates a new quiz. The previous attempt is replaced, never
// merged.
func (q *Quiz) Request(ctx context.Context, id *models.Identity, text string, count int) error {
	if err := checkRequest(q.gen, id, text); err != nil {
		return err
	}
	count = QuizCount(count, 0)
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.state = QuizState{Status: Loading}
	q.mu.Unlock()
	q.changed()

	q.run("quiz", func() {
		defer recoverTask("quiz", func(err error) { q.complete(seq, nil, err) })
		tctx, cancel := taskContext(ctx)
		defer cancel()
		questions, err := q.gen.GenerateQuiz(tctx, text, count)
		if err == nil {
			err = ValidateQuiz(questions)
		}
		if err != nil {
			err = classify("quiz", err)
		}
		record("quiz", err)
		q.complete(seq, questions, err)
	})
	return nil
}

func (q *Quiz) complete(seq uint64, questions []models.QuizQuestion, err error) {
	q.mu.Lock()
	if seq != q.seq {
		q.mu.Unlock()
		logrus.Debug("stale quiz dropped")
		return
	}
	if err != nil {
		q.state = QuizState{Status: Error, Err: err}
	} else {
		q.state = QuizState{Status: Ready, Questions: questions, Answers: make(map[int]string)}
	}
	q.mu.Unlock()
	q.changed()
}

// Answer records option for question i.
func (q *Quiz) Answer(i int, option string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Status != Ready {
		return ErrNotReady
	}
	if q.state.Submitted {
		return ErrSubmitted
	}
	if i < 0 || i >= len(q.state.Questions) {
		return ErrBadQuestion
	}
	for _, o := range q.state.Questions[i].Options {
		if o == option {
			q.state.Answers[i] = option
			return nil
		}
	}
	return ErrBadAnswer
}

// Submit scores the attempt. Unanswered questions count as wrong.
func (q *Quiz) Submit() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Status != Ready {
		return 0, ErrNotReady
	}
	if q.state.Submitted {
		return *q.state.Score, nil
	}
	score := Score(q.state.Questions, q.state.Answers)
	q.state.Submitted = true
	q.state.Score = &score
	return score, nil
}

func (q *Quiz) Reset() {
	q.mu.Lock()
	q.seq++
	q.state = QuizState{}
	q.mu.Unlock()
}

// State returns a copy of the attempt.
func (q *Quiz) State() QuizState {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state
	if st.Questions != nil {
		st.Questions = append([]models.QuizQuestion(nil), st.Questions...)
	}
	if st.Answers != nil {
		answers := make(map[int]string, len(st.Answers))
		for k, v := range st.Answers {
			answers[k] = v
		}
		st.Answers = answers
	}
	if st.Score != nil {
		score := *st.Score
		st.Score = &score
	}
	return st
}

func (q *Quiz) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}
