package backend

import (
	"encoding/json"
	"fmt"
)

// Engine callback message codes. Codes below 10000 are engine-global,
// 10000-range codes report on a task chain and 20000-range codes on one
// step (subtask) of a chain.
const (
	CodeInternalError     = 0
	CodeInitFailed        = 1
	CodeConnectionInfo    = 2
	CodeAllTasksCompleted = 3
	CodeAsyncCallInfo     = 4
	CodeDestroyed         = 5

	CodeChainError     = 10000
	CodeChainStart     = 10001
	CodeChainCompleted = 10002
	CodeChainExtraInfo = 10003
	CodeChainStopped   = 10004

	CodeSubTaskError     = 20000
	CodeSubTaskStart     = 20001
	CodeSubTaskCompleted = 20002
	CodeSubTaskExtraInfo = 20003
	CodeSubTaskStopped   = 20004
)

var codeNames = map[int]string{
	CodeInternalError:     "internal_error",
	CodeInitFailed:        "init_failed",
	CodeConnectionInfo:    "connection_info",
	CodeAllTasksCompleted: "all_tasks_completed",
	CodeAsyncCallInfo:     "async_call_info",
	CodeDestroyed:         "destroyed",
	CodeChainError:        "chain_error",
	CodeChainStart:        "chain_start",
	CodeChainCompleted:    "chain_completed",
	CodeChainExtraInfo:    "chain_extra_info",
	CodeChainStopped:      "chain_stopped",
	CodeSubTaskError:      "subtask_error",
	CodeSubTaskStart:      "subtask_start",
	CodeSubTaskCompleted:  "subtask_completed",
	CodeSubTaskExtraInfo:  "subtask_extra_info",
	CodeSubTaskStopped:    "subtask_stopped",
}

// CodeName returns a stable lowercase name for code.
func CodeName(code int) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", code)
}

// Connection "what" values carried by CodeConnectionInfo messages.
const (
	ConnConnected     = "connected"
	ConnDisconnected  = "disconnected"
	ConnReconnecting  = "reconnecting"
	ConnUnreachable   = "unreachable"
	ConnConnectFailed = "connect_failed"
)

// Message is one engine callback in its native form.
type Message struct {
	Code    int             `json:"code"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Details holds the fields of a message's details object that the
// dispatcher interprets. Everything else is passed through untouched.
type Details struct {
	Ref     uint64 `json:"ref,omitempty"`
	What    string `json:"what,omitempty"`
	Chain   string `json:"chain,omitempty"`
	SubTask string `json:"subtask,omitempty"`
	Message string `json:"message,omitempty"`
}

// EncodeMessage builds a raw callback payload. details must marshal to a
// JSON object.
func EncodeMessage(code int, details any) []byte {
	d, err := json.Marshal(details)
	if err != nil {
		d = []byte(`{}`)
	}
	raw, _ := json.Marshal(Message{Code: code, Details: d})
	return raw
}

// DecodeMessage parses a raw callback payload and its interpreted details.
// A message without a details object decodes with zero Details.
func DecodeMessage(raw []byte) (Message, Details, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, Details{}, fmt.Errorf("decoding engine message: %w", err)
	}
	var d Details
	if len(m.Details) > 0 {
		if err := json.Unmarshal(m.Details, &d); err != nil {
			return m, Details{}, fmt.Errorf("decoding engine message details: %w", err)
		}
	}
	return m, d, nil
}

// IsChainCode reports whether code reports on a whole task chain.
func IsChainCode(code int) bool {
	return code >= CodeChainError && code <= CodeChainStopped
}

// IsSubTaskCode reports whether code reports on one step of a chain.
func IsSubTaskCode(code int) bool {
	return code >= CodeSubTaskError && code <= CodeSubTaskStopped
}
