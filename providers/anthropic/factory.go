package anthropic

import (
	"os"

	"github.com/openagency/conductor/providers"
)

func init() {
	providers.MustRegister(&Factory{})
}

// Factory creates Anthropic clients
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return "anthropic"
}

// Description returns provider description
func (f *Factory) Description() string {
	return "Anthropic Claude models with native tool use"
}

// SupportsTools reports native structured tool-call support
func (f *Factory) SupportsTools() bool {
	return true
}

// Create creates a new Anthropic client
func (f *Factory) Create(config *providers.Config) (providers.Client, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return NewFromAPIKey(apiKey, config.Logger)
}

// DetectEnvironment checks if Anthropic credentials are configured
func (f *Factory) DetectEnvironment() (priority int, available bool) {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return 90, true
	}
	return 0, false
}
