package upstream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "contractai-go/internal/errors"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const maxDumpLen = 512

// ExtractText pulls the reply text out of a vendor response. Strategies, in
// order:
//
//  1. the vendor's own text accessor
//  2. a string "text" field of the response object
//  3. candidates[0].content.parts[0].text
//  4. a top-level "text" field nested under "response"
//  5. the first non-empty text among all parts of candidates[0]
//  6. a functionCall part (no text expected, returns "")
//  7. finishReason MAX_TOKENS (returns "" and logs a warning)
//
// Anything else is an *errors.ExtractionError carrying a structural dump.
func ExtractText(textFn func() string, raw json.RawMessage) (string, error) {
	if textFn != nil {
		if s := safeText(textFn); s != "" {
			return s, nil
		}
	}

	doc := gjson.ParseBytes(raw)
	if s := doc.Get("text"); s.Type == gjson.String && s.Str != "" {
		return s.Str, nil
	}
	if s := doc.Get("candidates.0.content.parts.0.text"); s.Type == gjson.String && s.Str != "" &&
		!doc.Get("candidates.0.content.parts.0.thought").Bool() {
		return s.Str, nil
	}
	if s := doc.Get("response.text"); s.Type == gjson.String && s.Str != "" {
		return s.Str, nil
	}

	parts := doc.Get("candidates.0.content.parts")
	var text string
	var hasCall bool
	parts.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Type == gjson.String && t.Str != "" && !part.Get("thought").Bool() {
			text = t.Str
			return false
		}
		if part.Get("functionCall").Exists() {
			hasCall = true
		}
		return true
	})
	if text != "" {
		return text, nil
	}
	if hasCall {
		return "", nil
	}
	if strings.EqualFold(doc.Get("candidates.0.finishReason").String(), "MAX_TOKENS") {
		log.WithField("usage", doc.Get("usageMetadata").Raw).Warn("response truncated at max output tokens; returning empty text")
		return "", nil
	}

	return "", &apperrors.ExtractionError{Dump: structuralDump(doc)}
}

// safeText guards against vendor accessors that panic on odd shapes.
func safeText(fn func() string) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = ""
		}
	}()
	return fn()
}

// structuralDump describes the shape of doc without its content.
func structuralDump(doc gjson.Result) string {
	var b strings.Builder
	switch {
	case !doc.Exists() || doc.Type == gjson.Null:
		b.WriteString("response=null")
	case !doc.IsObject():
		fmt.Fprintf(&b, "response type=%s", doc.Type)
	default:
		keys := make([]string, 0)
		doc.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		sort.Strings(keys)
		fmt.Fprintf(&b, "keys=[%s]", strings.Join(keys, ","))
		cands := doc.Get("candidates")
		fmt.Fprintf(&b, " candidates=%d", len(cands.Array()))
		if first := cands.Get("0"); first.Exists() {
			fmt.Fprintf(&b, " finishReason=%q", first.Get("finishReason").String())
			kinds := make([]string, 0)
			first.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
				var pk []string
				part.ForEach(func(k, _ gjson.Result) bool {
					pk = append(pk, k.String())
					return true
				})
				sort.Strings(pk)
				kinds = append(kinds, strings.Join(pk, "+"))
				return true
			})
			fmt.Fprintf(&b, " parts=[%s]", strings.Join(kinds, ","))
		}
		if fb := doc.Get("promptFeedback.blockReason"); fb.Exists() {
			fmt.Fprintf(&b, " blockReason=%q", fb.String())
		}
	}
	out := b.String()
	if len(out) > maxDumpLen {
		out = out[:maxDumpLen] + "..."
	}
	return out
}

// UsageFromJSON reads usageMetadata from a Gemini wire reply, accepting the
// Code Assist envelope ({"response": {...}}) too.
func UsageFromJSON(raw []byte) Usage {
	um := gjson.GetBytes(raw, "usageMetadata")
	if !um.Exists() {
		um = gjson.GetBytes(raw, "response.usageMetadata")
	}
	if !um.Exists() {
		return Usage{}
	}
	u := Usage{
		InputTokens:    int(um.Get("promptTokenCount").Int()),
		OutputTokens:   int(um.Get("candidatesTokenCount").Int()),
		CachedTokens:   int(um.Get("cachedContentTokenCount").Int()),
		ThinkingTokens: int(um.Get("thoughtsTokenCount").Int()),
		TotalTokens:    int(um.Get("totalTokenCount").Int()),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens + u.ThinkingTokens
	}
	return u
}

// HasUsage reports whether raw carries usage metadata.
func HasUsage(raw []byte) bool {
	return gjson.GetBytes(raw, "usageMetadata").Exists()
}

func FinishReasonFromJSON(raw []byte) string {
	return gjson.GetBytes(raw, "candidates.0.finishReason").String()
}

func candidatesFromJSON(raw []byte) []json.RawMessage {
	arr := gjson.GetBytes(raw, "candidates").Array()
	out := make([]json.RawMessage, 0, len(arr))
	for _, c := range arr {
		out = append(out, json.RawMessage(c.Raw))
	}
	return out
}

// ChunkText concatenates the non-thought text parts of a streamed increment.
func ChunkText(raw []byte) string {
	var b strings.Builder
	gjson.GetBytes(raw, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}
