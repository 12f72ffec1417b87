package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/ai/mock"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() models.RecognitionRequest {
	return models.RecognitionRequest{Image: []byte("img"), ContentType: "image/png"}
}

func TestNewMockProvider(t *testing.T) {
	p := mock.NewMockProvider()
	assert.Equal(t, "mock", p.Name())

	out, err := p.Recognize(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.JSONEq(t, mock.ValidOutput, string(out))
	assert.Len(t, p.Calls(), 1)
}

func TestNewFailingProvider(t *testing.T) {
	customErr := errors.New("custom AI error")
	p := mock.NewFailingProvider(customErr)
	assert.Equal(t, "mock-failing", p.Name())

	_, err := p.Recognize(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, customErr)
}

func TestNewTimeoutProvider(t *testing.T) {
	p := mock.NewTimeoutProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Recognize(ctx, sampleRequest())
	assert.ErrorIs(t, err, models.ErrInferenceTimeout)
}

func TestNewSequenceProvider_RepeatsLast(t *testing.T) {
	p := mock.NewSequenceProvider("a", "b")
	var got []string
	for i := 0; i < 3; i++ {
		out, err := p.Recognize(context.Background(), sampleRequest())
		require.NoError(t, err)
		got = append(got, string(out))
	}
	assert.Equal(t, []string{"a", "b", "b"}, got)
}

func TestMockProvider_NilFunc(t *testing.T) {
	p := &mock.MockProvider{Name_: "bare"}
	out, err := p.Recognize(context.Background(), sampleRequest())
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestMockProvider_ImplementsRecognizer(t *testing.T) {
	var _ models.Recognizer = mock.NewMockProvider()
	var _ models.Recognizer = mock.NewFailingProvider(nil)
	var _ models.Recognizer = mock.NewTimeoutProvider()
}
