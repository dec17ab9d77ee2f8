package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTraceID(t *testing.T) {
	a, b := GenerateTraceID(), GenerateTraceID()
	require.Len(t, a, 32)
	assert.NotContains(t, a, "-")
	assert.NotEqual(t, a, b)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FromContext(ctx))

	ctx = WithContext(ctx, "abc")
	assert.Equal(t, "abc", FromContext(ctx))
}

func TestFromHeader(t *testing.T) {
	assert.Equal(t, "x", FromHeader("", "x", "y"))
	assert.Equal(t, "", FromHeader("", ""))
	assert.Equal(t, "X-Trace-ID", HeaderName())
}
