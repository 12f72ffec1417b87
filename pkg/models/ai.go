// Package models contains shared data models used across the jobcore codebase.
package models

import (
	"context"
	"errors"
)

// Errors returned by Recognizer implementations. Package ai re-exports them.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrNotRecognized       = errors.New("no food recognized on image")
)

// Recognizer is the core interface that all AI recognition integrations must implement.
// Never call specific AI providers directly; inject this interface.
type Recognizer interface {
	// Recognize sends an image to the provider and returns its raw structured output.
	// The output is untrusted: callers parse and validate it.
	Recognize(ctx context.Context, req RecognitionRequest) ([]byte, error)
	// Name returns the provider identifier (e.g., "proxy", "openai").
	Name() string
}

// RecognitionRequest is the input to one provider call.
type RecognitionRequest struct {
	Image       []byte
	ContentType string
	Locale      string
	// Strict asks the provider to answer with bare JSON only. Set on repair re-prompts.
	Strict bool
}

// RecognitionPayload is the JobRecord payload of a recognition job.
type RecognitionPayload struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Locale      string `json:"locale"`
}

// Dish is one recognised item on a meal photo.
type Dish struct {
	Name       string  `json:"name"`
	Grams      float64 `json:"grams"`
	Calories   float64 `json:"calories"`
	Protein    float64 `json:"protein"`
	Fat        float64 `json:"fat"`
	Carbs      float64 `json:"carbs"`
	Confidence float64 `json:"confidence"`
}

// Recognition is the domain result written to the result envelope on SUCCESS.
type Recognition struct {
	Dishes        []Dish  `json:"dishes"`
	TotalCalories float64 `json:"total_calories"`
	TotalProtein  float64 `json:"total_protein"`
	TotalFat      float64 `json:"total_fat"`
	TotalCarbs    float64 `json:"total_carbs"`
	Provider      string  `json:"provider"`
	Repaired      bool    `json:"repaired,omitempty"`
}
