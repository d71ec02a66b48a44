package reader

import (
	"readaloud/internal/apperr"
	"readaloud/internal/models"
)

type View string

const (
	ViewList   View = "list"
	ViewReader View = "reader"
)

// Snapshot is everything the browser needs to render one reader session.
type Snapshot struct {
	Readiness    string            `json:"readiness"`
	Identity     *models.Identity  `json:"identity,omitempty"`
	SessionError string            `json:"sessionError,omitempty"`
	Documents    []models.Document `json:"documents"`
	CatalogError string            `json:"catalogError,omitempty"`
	View         View              `json:"view"`
	SelectedID   string            `json:"selectedId,omitempty"`
	Extraction   ExtractionView    `json:"extraction"`
	Playback     PlaybackView      `json:"playback"`
	Audio        AudioView         `json:"audio"`
	Summary      SummaryView       `json:"summary"`
	Quiz         QuizView          `json:"quiz"`
	Notice       string            `json:"notice,omitempty"`
}

type ExtractionView struct {
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
	Pages  int    `json:"pages,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

type PlaybackView struct {
	State     string `json:"state"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

type AudioView struct {
	Status         string `json:"status"`
	ResultLocation string `json:"resultLocation,omitempty"`
	Error          string `json:"error,omitempty"`
}

type SummaryView struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

type QuizView struct {
	Status    string                `json:"status"`
	Questions []models.QuizQuestion `json:"questions,omitempty"`
	Answers   map[int]string        `json:"answers,omitempty"`
	Submitted bool                  `json:"submitted"`
	Score     *int                  `json:"score,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// userMessage hides expected noise from the browser.
func userMessage(err error) string {
	if err == nil || apperr.IsNoise(err) {
		return ""
	}
	return apperr.Message(err)
}
