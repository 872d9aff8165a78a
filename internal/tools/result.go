package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the model
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`           // marks error
	Err     error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// JSONResult marshals v as the model-facing payload. Tools that report
// structured state (the shell tools, chat_send) return their whole response
// object this way so the loop can inspect success flags.
func JSONResult(v interface{}) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("failed to encode tool result: " + err.Error())
	}
	return &Result{ForLLM: string(data), Silent: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
