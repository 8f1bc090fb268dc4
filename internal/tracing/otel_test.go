package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "collector:4318", endpointHost("http://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("https://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("collector:4318"))
}

func TestTracerNoOpWithoutEndpoint(t *testing.T) {
	tracer := Tracer("test")
	require.NotNil(t, tracer)

	ctx, span := tracer.Start(context.Background(), "op")
	require.NotNil(t, ctx)
	span.End()

	require.NoError(t, Shutdown(context.Background()))
}
