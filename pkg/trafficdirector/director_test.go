package trafficdirector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDirectorSetAndGetWeights(t *testing.T) {
	d := NewLogDirector()
	ctx := context.Background()

	require.NoError(t, d.SetWeight(ctx, "us-east", 100))
	require.NoError(t, d.SetWeight(ctx, "eu-west", 10))

	weights, err := d.GetWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, weights["us-east"])
	assert.Equal(t, 10, weights["eu-west"])
}

func TestLogDirectorEndpointHealthReflectsWeights(t *testing.T) {
	d := NewLogDirector()
	ctx := context.Background()
	require.NoError(t, d.SetWeight(ctx, "us-east", 80))

	health, err := d.GetEndpointHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, health["us-east"].Weight)
	assert.Equal(t, "active", health["us-east"].State)
}
