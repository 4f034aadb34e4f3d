package capability

import "encoding/json"

// Op names a remote operation exposed by the injected provider. The set is
// closed: adding an operation means adding a descriptor here, not passing an
// arbitrary string to Invoke.
type Op string

const (
	OpFindInput      Op = "findInput"
	OpFocusInput     Op = "focusInput"
	OpGetInputText   Op = "getInputText"
	OpIsSendVisible  Op = "isSendVisible"
	OpClickSend      Op = "clickSend"
	OpGetLastBotText Op = "getLastBotText"
	OpGetMessages    Op = "getMessages"
	OpCheckError     Op = "checkError"
	OpDiagnose       Op = "diagnose"
)

// opDescriptor pins down one operation's calling convention.
type opDescriptor struct {
	Name     Op
	ArgCount int
}

var descriptors = map[Op]opDescriptor{
	OpFindInput:      {Name: OpFindInput},
	OpFocusInput:     {Name: OpFocusInput},
	OpGetInputText:   {Name: OpGetInputText},
	OpIsSendVisible:  {Name: OpIsSendVisible},
	OpClickSend:      {Name: OpClickSend},
	OpGetLastBotText: {Name: OpGetLastBotText},
	OpGetMessages:    {Name: OpGetMessages},
	OpCheckError:     {Name: OpCheckError},
	OpDiagnose:       {Name: OpDiagnose},
}

// opStatus is the shared success/error shape most provider operations
// return. Code is set to "not_found" when the target control is missing so
// callers can distinguish retryable lookups from hard failures.
type opStatus struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// FindInputResult reports whether the chat input exists in the page.
type FindInputResult struct {
	Found bool `json:"found"`
}

// LastBotText carries the newest agent message and the total agent message
// count, used for completion detection baselines.
type LastBotText struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Message is a read-only view of one conversation entry. Type is "user" or
// "agent".
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorCheck reports whether the agent surface shows an error banner.
type ErrorCheck struct {
	HasError  bool   `json:"hasError"`
	ErrorText string `json:"errorText,omitempty"`
}

// Diagnostics is the raw diagnostic dump from the provider, passed through
// untouched for operators.
type Diagnostics = json.RawMessage
