package reader

import "readaloud/internal/speech"

// Inbound is a message from the browser. Type picks which fields matter.
type Inbound struct {
	Type       string           `json:"type"`
	Speech     bool             `json:"speech,omitempty"`
	DocumentID string           `json:"documentId,omitempty"`
	Count      int              `json:"count,omitempty"`
	Index      int              `json:"index,omitempty"`
	Option     string           `json:"option,omitempty"`
	Utterance  string           `json:"utterance,omitempty"`
	Event      speech.EventKind `json:"event,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

const (
	MsgHello         = "hello"
	MsgSelect        = "select"
	MsgBack          = "back"
	MsgPlay          = "play"
	MsgPause         = "pause"
	MsgStop          = "stop"
	MsgSummarize     = "summarize"
	MsgQuiz          = "quiz"
	MsgAnswer        = "answer"
	MsgSubmit        = "submit"
	MsgGenerateAudio = "generate_audio"
	MsgEngine        = "engine"
)

// Outbound is a message to the browser.
type Outbound struct {
	Type   string          `json:"type"`
	State  *Snapshot       `json:"state,omitempty"`
	Speech *speech.Command `json:"speech,omitempty"`
	Upload *UploadProgress `json:"upload,omitempty"`
}

type UploadProgress struct {
	DocumentID string `json:"documentId,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Written    int64  `json:"written"`
	Total      int64  `json:"total"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
}
