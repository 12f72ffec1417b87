package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// ValidOutput is the raw answer of NewMockProvider.
const ValidOutput = `{"dishes":[{"name":"Buckwheat with chicken","grams":320,"calories":450,"protein":38,"fat":12,"carbs":48,"confidence":0.86}]}`

// MockProvider satisfies models.Recognizer for testing and local development.
type MockProvider struct {
	Name_         string
	RecognizeFunc func(ctx context.Context, req models.RecognitionRequest) ([]byte, error)

	mu    sync.Mutex
	calls []models.RecognitionRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Recognize(ctx context.Context, req models.RecognitionRequest) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(ctx, req)
	}
	return nil, nil
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []models.RecognitionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RecognitionRequest(nil), m.calls...)
}

// NewMockProvider returns a MockProvider answering with ValidOutput.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		RecognizeFunc: func(_ context.Context, _ models.RecognitionRequest) ([]byte, error) {
			return []byte(ValidOutput), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		RecognizeFunc: func(_ context.Context, _ models.RecognitionRequest) ([]byte, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		RecognizeFunc: func(ctx context.Context, _ models.RecognitionRequest) ([]byte, error) {
			<-ctx.Done()
			return nil, models.ErrInferenceTimeout
		},
	}
}

// NewSequenceProvider answers with outputs in order, repeating the last one.
func NewSequenceProvider(outputs ...string) *MockProvider {
	var (
		mu sync.Mutex
		i  int
	)
	return &MockProvider{
		Name_: "mock-sequence",
		RecognizeFunc: func(_ context.Context, _ models.RecognitionRequest) ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(outputs) == 0 {
				return nil, nil
			}
			out := outputs[min(i, len(outputs)-1)]
			i++
			return []byte(out), nil
		},
	}
}

var _ models.Recognizer = (*MockProvider)(nil)
