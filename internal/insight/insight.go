// Package insight tracks AI summary and quiz requests for the selected
// document.
package insight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"readaloud/internal/apperr"
	"readaloud/internal/metrics"
	"readaloud/internal/models"

	"github.com/sirupsen/logrus"
)

// Generator is the AI collaborator.
type Generator interface {
	Summarize(ctx context.Context, text string) (string, error)
	GenerateQuiz(ctx context.Context, text string, count int) ([]models.QuizQuestion, error)
}

// Runner executes task asynchronously. kind names the work for scheduling.
type Runner func(kind string, task func())

// GoRunner runs every task on its own goroutine.
func GoRunner(_ string, task func()) { go task() }

type Status int

const (
	Idle Status = iota
	Loading
	Ready
	Error
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}
	return "idle"
}

var (
	ErrNoIdentity  = apperr.New(apperr.Authorization, "unauthenticated", "please sign in again")
	ErrNoText      = apperr.New(apperr.Validation, "no-text", "there is no extracted text to work with")
	ErrNoGenerator = apperr.New(apperr.Configuration, "configuration-invalid", "AI insights are not configured")
	ErrInvalidQuiz = apperr.New(apperr.Validation, "invalid-response", "the AI returned a malformed quiz")
	ErrNotReady    = apperr.New(apperr.Validation, "not-ready", "there is no quiz to answer")
	ErrSubmitted   = apperr.New(apperr.Validation, "submitted", "the quiz was already submitted")
	ErrBadAnswer   = apperr.New(apperr.Validation, "bad-answer", "that answer is not one of the options")
	ErrBadQuestion = apperr.New(apperr.Validation, "bad-question", "there is no such question")
)

const (
	requestTimeout      = 2 * time.Minute
	defaultQuizQuestion = 5
	maxQuizQuestion     = 20
)

// QuizCount bounds a requested question count. def is used when nothing was
// requested.
func QuizCount(requested, def int) int {
	if requested <= 0 {
		requested = def
	}
	if requested <= 0 {
		requested = defaultQuizQuestion
	}
	if requested > maxQuizQuestion {
		requested = maxQuizQuestion
	}
	return requested
}

func classify(kind string, err error) error {
	if apperr.KindOf(err) != apperr.Unknown {
		return err
	}
	return apperr.Wrap(apperr.Transient, "insight-failed", fmt.Sprintf("the %s could not be generated", kind), err)
}

func checkRequest(gen Generator, id *models.Identity, text string) error {
	if id == nil || id.ID == "" {
		return ErrNoIdentity
	}
	if gen == nil {
		return ErrNoGenerator
	}
	if strings.TrimSpace(text) == "" {
		return ErrNoText
	}
	return nil
}

// recoverTask, deferred in a task body, completes the request as failed when
// the generator panics.
func recoverTask(kind string, complete func(error)) {
	r := recover()
	if r == nil {
		return
	}
	err := apperr.Panicked("insight-failed", fmt.Sprintf("the %s could not be generated", kind), r)
	logrus.WithError(err).WithField("kind", kind).Error("insight task panicked")
	record(kind, err)
	complete(err)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

// ValidateQuiz rejects a quiz unless every question has a prompt, exactly
// four options and an answer that is one of them.
func ValidateQuiz(questions []models.QuizQuestion) error {
	if len(questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidQuiz)
	}
	for i, q := range questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("%w: question %d has no prompt", ErrInvalidQuiz, i+1)
		}
		if len(q.Options) != 4 {
			return fmt.Errorf("%w: question %d has %d options", ErrInvalidQuiz, i+1, len(q.Options))
		}
		found := false
		for _, o := range q.Options {
			if o == q.Answer {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: question %d answer is not an option", ErrInvalidQuiz, i+1)
		}
	}
	return nil
}

// Score is the integer percentage of questions answered correctly.
func Score(questions []models.QuizQuestion, answers map[int]string) int {
	if len(questions) == 0 {
		return 0
	}
	correct := 0
	for i, q := range questions {
		if a, ok := answers[i]; ok && a == q.Answer {
			correct++
		}
	}
	return 100 * correct / len(questions)
}

func record(kind string, err error) { metrics.Insight(kind, outcome(err)) }
