package model

// Status values for the response envelope.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Error kinds reported in the failure envelope.
const (
	ErrorKindValidation  = "validation"
	ErrorKindGeneration  = "generation"
	ErrorKindStorage     = "storage"
	ErrorKindInternal    = "internal"
	ErrorKindRateLimited = "rate_limited"
)

// InputMessage is a loosely typed role/content pair as received from callers.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeRequest is the request body for POST /invoke.
type InvokeRequest struct {
	Input  InvokeInput  `json:"input"`
	Config InvokeConfig `json:"config"`
}

// InvokeInput holds the new messages for a turn.
type InvokeInput struct {
	Messages []InputMessage `json:"messages"`
}

// InvokeConfig carries the thread selector.
type InvokeConfig struct {
	Configurable Configurable `json:"configurable"`
}

// Configurable identifies the conversation thread.
type Configurable struct {
	ThreadID string `json:"thread_id"`
}

// ThreadInvokeRequest is the request body for POST /threads/{threadID}/invoke.
type ThreadInvokeRequest struct {
	Messages []InputMessage `json:"messages"`
}

// InvokeOutput is the success payload.
type InvokeOutput struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
}

// InvokeResponse is the uniform response envelope.
type InvokeResponse struct {
	Status    string        `json:"status"`
	Output    *InvokeOutput `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
}
