package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiProviderRequiresAPIKey(t *testing.T) {
	_, err := NewGeminiProvider(context.Background(), "", "gemini-embedding-001", 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestGeminiProviderDimensions(t *testing.T) {
	p, err := NewGeminiProvider(context.Background(), "test-key", "gemini-embedding-001", 1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, p.Dimensions())
}

func TestGeminiEmbedBatchEmpty(t *testing.T) {
	p, err := NewGeminiProvider(context.Background(), "test-key", "gemini-embedding-001", 8)
	require.NoError(t, err)

	// No texts means no API call; nothing to embed.
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
