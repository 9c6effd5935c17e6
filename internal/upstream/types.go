// Package upstream defines the uniform generative backend contract shared by
// the Gemini API and Vertex AI adapters.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
)

// Backend names.
const (
	BackendStudio = "studio"
	BackendVertex = "vertex"
)

// Part is one piece of message content. Field names follow the Gemini REST
// wire format so parts pass through both adapters unchanged.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type FileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Message is a role-tagged list of parts ("user" or "model").
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{Role: "user", Parts: []Part{{Text: text}}}
}

type GenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	TopP             *float32 `json:"topP,omitempty"`
	TopK             *float32 `json:"topK,omitempty"`
	MaxOutputTokens  int32    `json:"maxOutputTokens,omitempty"`
	CandidateCount   int32    `json:"candidateCount,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
	ThinkingBudget   *int32   `json:"thinkingBudget,omitempty"`
}

// Request is the backend-neutral generation request. Tools and ToolConfig
// carry Gemini wire JSON verbatim.
type Request struct {
	Model             string            `json:"model,omitempty"`
	Messages          []Message         `json:"messages"`
	SystemInstruction string            `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             json.RawMessage   `json:"tools,omitempty"`
	ToolConfig        json.RawMessage   `json:"toolConfig,omitempty"`
}

// HasTools reports whether the request declares any tool.
func (r *Request) HasTools() bool {
	if r == nil {
		return false
	}
	t := bytes.TrimSpace(r.Tools)
	return len(t) > 0 && !bytes.Equal(t, []byte("null")) && !bytes.Equal(t, []byte("[]"))
}

// Usage holds token counts; absent vendor fields stay zero.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	CachedTokens   int `json:"cached_tokens"`
	ThinkingTokens int `json:"thinking_tokens"`
	TotalTokens    int `json:"total_tokens"`
}

// Response is a completed generation. Raw is the vendor reply as Gemini wire
// JSON; textFn is the vendor's own text accessor when it has one.
type Response struct {
	Model        string
	Raw          json.RawMessage
	Usage        Usage
	FinishReason string

	textFn func() string
}

// NewResponse wraps a raw reply. textFn may be nil.
func NewResponse(model string, raw json.RawMessage, textFn func() string) *Response {
	return &Response{
		Model:        model,
		Raw:          raw,
		Usage:        UsageFromJSON(raw),
		FinishReason: FinishReasonFromJSON(raw),
		textFn:       textFn,
	}
}

// Text extracts the reply text. Function-call and truncated replies yield ""
// with no error; only an unrecognizable reply returns *errors.ExtractionError.
func (r *Response) Text() (string, error) {
	if r == nil {
		return ExtractText(nil, nil)
	}
	return ExtractText(r.textFn, r.Raw)
}

// Candidates returns the raw candidate list, if any.
func (r *Response) Candidates() []json.RawMessage {
	return candidatesFromJSON(r.Raw)
}

// Chunk is one streamed increment. Usage is set on chunks that carry usage
// metadata (normally the last).
type Chunk struct {
	Text         string
	FinishReason string
	Usage        *Usage
	Raw          json.RawMessage
}

// Client is the capability every adapter exposes.
type Client interface {
	Backend() string
	Model() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]
	// Attribution returns the tracking slot used for usage records.
	Attribution() *Attribution
	Close() error
}
