package openai

import (
	"os"

	"github.com/openagency/conductor/providers"
)

func init() {
	providers.MustRegister(&Factory{})
}

// Factory creates OpenAI clients
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return "openai"
}

// Description returns provider description
func (f *Factory) Description() string {
	return "OpenAI chat models with function calling"
}

// SupportsTools reports structured tool-call support
func (f *Factory) SupportsTools() bool {
	return true
}

// Create creates a new OpenAI client
func (f *Factory) Create(config *providers.Config) (providers.Client, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return NewFromAPIKey(apiKey, config.Logger)
}

// DetectEnvironment checks if OpenAI credentials are configured
func (f *Factory) DetectEnvironment() (priority int, available bool) {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return 100, true
	}
	return 0, false
}
