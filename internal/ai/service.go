package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const outputSchemaURL = "recognition-output.json"

const outputSchemaJSON = `{
  "type": "object",
  "required": ["dishes"],
  "properties": {
    "not_food": {"type": "boolean"},
    "dishes": {
      "type": "array",
      "maxItems": 50,
      "items": {
        "type": "object",
        "required": ["name", "grams", "calories"],
        "properties": {
          "name":       {"type": "string", "minLength": 1},
          "grams":      {"type": "number", "minimum": 0},
          "calories":   {"type": "number", "minimum": 0},
          "protein":    {"type": "number", "minimum": 0},
          "fat":        {"type": "number", "minimum": 0},
          "carbs":      {"type": "number", "minimum": 0},
          "confidence": {"type": "number"}
        }
      }
    }
  }
}`

var outputSchema = mustCompile(outputSchemaURL, outputSchemaJSON)

func mustCompile(url, schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

type providerOutput struct {
	NotFood bool          `json:"not_food"`
	Dishes  []models.Dish `json:"dishes"`
}

// RecognitionService turns untrusted provider output into a models.Recognition.
// Structurally broken output is repaired within the same attempt: first by
// extracting a well-formed JSON object locally, then by re-prompting the
// provider in strict mode at most maxRepairs times.
type RecognitionService struct {
	provider   models.Recognizer
	maxRepairs int
}

// NewRecognitionService creates a new RecognitionService.
func NewRecognitionService(provider models.Recognizer, maxRepairs int) *RecognitionService {
	if maxRepairs < 0 {
		maxRepairs = 0
	}
	return &RecognitionService{provider: provider, maxRepairs: maxRepairs}
}

// Recognize runs one recognition attempt. Deadlines come from ctx.
func (s *RecognitionService) Recognize(ctx context.Context, req models.RecognitionRequest) (*models.Recognition, error) {
	raw, err := s.provider.Recognize(ctx, req)
	if err != nil {
		return nil, err
	}
	out, repaired, perr := parseOutput(raw)

	for i := 0; perr != nil && i < s.maxRepairs; i++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: repair interrupted: %v", ErrInferenceTimeout, ctx.Err())
		}
		strict := req
		strict.Strict = true
		raw, err = s.provider.Recognize(ctx, strict)
		if err != nil {
			return nil, err
		}
		out, _, perr = parseOutput(raw)
		repaired = true
	}
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, perr)
	}
	if out.NotFood || len(out.Dishes) == 0 {
		return nil, ErrNotRecognized
	}

	rec := &models.Recognition{Provider: s.provider.Name(), Repaired: repaired}
	for _, d := range out.Dishes {
		// Clamp confidence to [0, 1]
		if d.Confidence < 0 {
			d.Confidence = 0
		}
		if d.Confidence > 1.0 {
			d.Confidence = 1.0
		}
		d.Name = truncateString(strings.TrimSpace(d.Name), 200)
		rec.TotalCalories += d.Calories
		rec.TotalProtein += d.Protein
		rec.TotalFat += d.Fat
		rec.TotalCarbs += d.Carbs
		rec.Dishes = append(rec.Dishes, d)
	}
	rec.TotalCalories = round1(rec.TotalCalories)
	rec.TotalProtein = round1(rec.TotalProtein)
	rec.TotalFat = round1(rec.TotalFat)
	rec.TotalCarbs = round1(rec.TotalCarbs)
	return rec, nil
}

// parseOutput validates raw and falls back to the first well-formed object
// embedded in it. extracted reports whether the fallback was used.
func parseOutput(raw []byte) (out providerOutput, extracted bool, err error) {
	out, err = validateOutput(raw)
	if err == nil {
		return out, false, nil
	}
	obj := extractObject(raw)
	if obj == nil {
		return out, false, err
	}
	out, err2 := validateOutput(obj)
	if err2 != nil {
		return out, false, err2
	}
	return out, true, nil
}

func validateOutput(raw []byte) (providerOutput, error) {
	var out providerOutput
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return out, fmt.Errorf("not json: %w", err)
	}
	if err := outputSchema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return out, fmt.Errorf("schema: %s", verr.Error())
		}
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

// extractObject returns the first balanced {...} span of raw that is valid JSON,
// or nil. Models like to wrap answers in prose or markdown fences.
func extractObject(raw []byte) []byte {
	for start := bytes.IndexByte(raw, '{'); start >= 0; {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(raw); i++ {
			c := raw[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
			}
			if depth == 0 && !inString {
				if cand := raw[start : i+1]; json.Valid(cand) {
					return cand
				}
				break
			}
		}
		next := bytes.IndexByte(raw[start+1:], '{')
		if next < 0 {
			return nil
		}
		start += 1 + next
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
