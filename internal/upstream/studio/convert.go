package studio

import (
	"encoding/json"
	"fmt"

	"contractai-go/internal/upstream"

	"google.golang.org/genai"
)

// convert maps the uniform request onto SDK types. Messages, tools and tool
// config share the Gemini wire JSON shape, so they are decoded directly.
func convert(req *upstream.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	var contents []*genai.Content
	if err := roundTrip(req.Messages, &contents); err != nil {
		return nil, nil, fmt.Errorf("studio: contents: %w", err)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemInstruction}}}
	}
	if gc := req.GenerationConfig; gc != nil {
		cfg.Temperature = gc.Temperature
		cfg.TopP = gc.TopP
		cfg.TopK = gc.TopK
		cfg.MaxOutputTokens = gc.MaxOutputTokens
		cfg.CandidateCount = gc.CandidateCount
		cfg.StopSequences = gc.StopSequences
		cfg.ResponseMIMEType = gc.ResponseMIMEType
		if gc.ThinkingBudget != nil {
			cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: gc.ThinkingBudget}
		}
	}
	if req.HasTools() {
		if err := json.Unmarshal(req.Tools, &cfg.Tools); err != nil {
			return nil, nil, fmt.Errorf("studio: tools: %w", err)
		}
	}
	if len(req.ToolConfig) > 0 && string(req.ToolConfig) != "null" {
		cfg.ToolConfig = &genai.ToolConfig{}
		if err := json.Unmarshal(req.ToolConfig, cfg.ToolConfig); err != nil {
			return nil, nil, fmt.Errorf("studio: tool config: %w", err)
		}
	}
	return contents, cfg, nil
}

func roundTrip(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
