package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/jbwitnessAI/mrgc/pkg/config"
)

func newTestRedisStore(t *testing.T) Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(config.RedisConfig{Addr: mr.Addr()}, "mrgc-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, newTestRedisStore(t))
}
