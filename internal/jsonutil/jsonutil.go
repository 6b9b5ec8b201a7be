// Package jsonutil decodes JSON objects out of free-form model output.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// Extract finds the outermost JSON object in raw. It handles markdown code
// blocks and text before or after the object.
func Extract(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(raw, "}")
	if end < start {
		// Truncated output; let the repair step close it.
		return raw[start:], nil
	}
	return raw[start : end+1], nil
}

// Unmarshal extracts the JSON object in raw and decodes it into out. When
// plain decoding fails the text is repaired first.
func Unmarshal(raw string, out any) error {
	obj, err := Extract(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(obj)
	if err != nil {
		return fmt.Errorf("json repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("unmarshal failed after repair: %w", err)
	}
	return nil
}
