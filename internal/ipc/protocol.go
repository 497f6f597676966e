package ipc

// StartPayload carries recognition options for a forwarded start command.
type StartPayload struct {
	Language        string `json:"language,omitempty"`
	MaxResults      int    `json:"maxResults,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	ShowPopup       bool   `json:"showPopup,omitempty"`
	StreamPartial   bool   `json:"streamPartial,omitempty"`
	SilenceWindowMs int    `json:"silenceWindowMs,omitempty"`
}

type Request struct {
	Command string        `json:"command"`
	Start   *StartPayload `json:"start,omitempty"`
}

type Response struct {
	OK        bool     `json:"ok"`
	State     string   `json:"state,omitempty"`
	SessionID int64    `json:"sessionId,omitempty"`
	Listening bool     `json:"listening,omitempty"`
	Message   string   `json:"message,omitempty"`
	Matches   []string `json:"matches,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Error     string   `json:"error,omitempty"`
}
