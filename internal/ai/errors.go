package ai

import "github.com/kiranshivaraju/jobcore/pkg/models"

var (
	ErrProviderUnavailable = models.ErrProviderUnavailable
	ErrInferenceTimeout    = models.ErrInferenceTimeout
	ErrInvalidResponse     = models.ErrInvalidResponse
	ErrNotRecognized       = models.ErrNotRecognized
)
