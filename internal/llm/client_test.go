package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromKeys(t *testing.T) {
	tests := []struct {
		name      string
		preferred Provider
		anthropic string
		openai    string
		want      string
	}{
		{"none", ProviderAnthropic, "", "", ""},
		{"preferred openai", ProviderOpenAI, "a-key", "o-key", "openai"},
		{"preferred missing key", ProviderOpenAI, "a-key", "", "anthropic"},
		{"unknown preference", Provider("mistral"), "", "o-key", "openai"},
		{"anthropic first", "", "a-key", "o-key", "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromKeys(tt.preferred, tt.anthropic, tt.openai)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}

func TestNewClientRejects(t *testing.T) {
	_, err := NewClient(ProviderAnthropic, "")
	assert.Error(t, err)
	_, err = NewClient(Provider("mistral"), "key")
	assert.ErrorContains(t, err, "unknown llm provider")
}
