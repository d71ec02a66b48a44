package models

// QuizQuestion is one multiple-choice question. Answer is one of Options.
type QuizQuestion struct {
	Prompt  string   `json:"question"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}
