package biz

import (
	"encoding/json"
	"strings"
)

// CallbackOutcome is the normalized classification of a provider callback.
type CallbackOutcome int

// Callback outcome constants.
const (
	OutcomeIndeterminate CallbackOutcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// String returns a readable outcome name for logs.
func (o CallbackOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "indeterminate"
	}
}

// callbackBody covers the field variants seen across provider API versions.
// kie_ai historically nested the result under "data" with a "state" field and
// a JSON-encoded "resultJson"; newer versions use "response" with "status"
// and plain "resultUrls". runware reports a flat object with "taskUUID" and a
// typed URL field per content type.
type callbackBody struct {
	TaskID      string   `json:"taskId"`
	TaskIDSnake string   `json:"task_id"`
	TaskUUID    string   `json:"taskUUID"`
	State       string   `json:"state"`
	Status      string   `json:"status"`
	FailMsg     string   `json:"failMsg"`
	ErrorMsg    string   `json:"errorMessage"`
	ResultJSON  string   `json:"resultJson"`
	ResultUrls  []string `json:"resultUrls"`
	ResultURL   string   `json:"resultUrl"`
	ImageURL    string   `json:"imageURL"`
	VideoURL    string   `json:"videoURL"`
	AudioURL    string   `json:"audioURL"`
	OutputURL   string   `json:"outputUrl"`
}

// ProviderCallback is one parsed webhook delivery, tolerant of every
// historical payload shape for the same logical event.
type ProviderCallback struct {
	Code     *int          `json:"code"`
	Msg      string        `json:"msg"`
	Data     *callbackBody `json:"data"`
	Response *callbackBody `json:"response"`
	callbackBody

	raw json.RawMessage
}

// ParseProviderCallback decodes a raw webhook body. The raw bytes are
// retained for diagnostics persistence.
func ParseProviderCallback(raw []byte) (*ProviderCallback, error) {
	var p ProviderCallback
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.raw = json.RawMessage(raw)
	return &p, nil
}

// Raw returns the original webhook body.
func (p *ProviderCallback) Raw() []byte { return p.raw }

// bodies yields the candidate field sets in precedence order: nested shapes
// first, then the flat legacy shape.
func (p *ProviderCallback) bodies() []*callbackBody {
	out := make([]*callbackBody, 0, 3)
	if p.Data != nil {
		out = append(out, p.Data)
	}
	if p.Response != nil {
		out = append(out, p.Response)
	}
	out = append(out, &p.callbackBody)
	return out
}

// TaskRef returns the provider task identifier, whichever variant carries it.
// Empty when no shape carries one.
func (p *ProviderCallback) TaskRef() string {
	for _, b := range p.bodies() {
		for _, id := range []string{b.TaskID, b.TaskIDSnake, b.TaskUUID} {
			if id != "" {
				return id
			}
		}
	}
	return ""
}

// Classify normalizes the callback to success, failure, or indeterminate.
func (p *ProviderCallback) Classify() CallbackOutcome {
	for _, b := range p.bodies() {
		for _, s := range []string{b.State, b.Status} {
			switch strings.ToLower(s) {
			case "success", "succeeded", "completed", "complete":
				return OutcomeSuccess
			case "fail", "failed", "error", "generate_failed", "create_task_failed":
				return OutcomeFailure
			}
		}
	}
	// Legacy kie_ai envelope signaled failure via a non-200 code.
	if p.Code != nil && *p.Code != 200 {
		return OutcomeFailure
	}
	return OutcomeIndeterminate
}

// FailureMessage returns the provider's failure description, if any.
func (p *ProviderCallback) FailureMessage() string {
	for _, b := range p.bodies() {
		if b.FailMsg != "" {
			return b.FailMsg
		}
		if b.ErrorMsg != "" {
			return b.ErrorMsg
		}
	}
	if p.Msg != "" && !strings.EqualFold(p.Msg, "success") {
		return p.Msg
	}
	return ""
}

// ResultRef resolves the artifact reference from whichever shape is present.
// Empty when the payload carries no reference.
func (p *ProviderCallback) ResultRef() string {
	for _, b := range p.bodies() {
		if len(b.ResultUrls) > 0 && b.ResultUrls[0] != "" {
			return b.ResultUrls[0]
		}
		for _, u := range []string{b.ResultURL, b.ImageURL, b.VideoURL, b.AudioURL, b.OutputURL} {
			if u != "" {
				return u
			}
		}
		// Oldest kie_ai shape: result URLs JSON-encoded inside a string.
		if b.ResultJSON != "" {
			var nested struct {
				ResultUrls []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(b.ResultJSON), &nested); err == nil && len(nested.ResultUrls) > 0 {
				return nested.ResultUrls[0]
			}
		}
	}
	return ""
}
