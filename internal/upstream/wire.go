package upstream

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// WireBody renders req as a Gemini generateContent request body.
func WireBody(req *Request) ([]byte, error) {
	body := []byte(`{}`)
	contents, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetRawBytes(body, "contents", contents); err != nil {
		return nil, err
	}
	if req.SystemInstruction != "" {
		if body, err = sjson.SetBytes(body, "systemInstruction.parts.0.text", req.SystemInstruction); err != nil {
			return nil, err
		}
	}
	if gc := req.GenerationConfig; gc != nil {
		raw, err := json.Marshal(gc)
		if err != nil {
			return nil, err
		}
		// thinkingBudget lives under thinkingConfig on the wire.
		if raw, err = sjson.DeleteBytes(raw, "thinkingBudget"); err != nil {
			return nil, err
		}
		if gc.ThinkingBudget != nil {
			if raw, err = sjson.SetBytes(raw, "thinkingConfig.thinkingBudget", *gc.ThinkingBudget); err != nil {
				return nil, err
			}
		}
		if string(raw) != "{}" {
			if body, err = sjson.SetRawBytes(body, "generationConfig", raw); err != nil {
				return nil, err
			}
		}
	}
	if req.HasTools() {
		if body, err = sjson.SetRawBytes(body, "tools", req.Tools); err != nil {
			return nil, err
		}
	}
	if len(req.ToolConfig) > 0 && string(req.ToolConfig) != "null" {
		if body, err = sjson.SetRawBytes(body, "toolConfig", req.ToolConfig); err != nil {
			return nil, err
		}
	}
	return body, nil
}
