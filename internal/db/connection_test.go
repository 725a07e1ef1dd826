package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolOptions_Defaults(t *testing.T) {
	o := PoolOptions{}.withDefaults()
	assert.EqualValues(t, 10, o.MaxConns)
	assert.EqualValues(t, 1, o.MinConns)
	assert.Equal(t, 30*time.Second, o.MaxIdle)
	assert.Equal(t, 5*time.Minute, o.MaxLifetime)
	assert.Equal(t, 5*time.Second, o.ConnectTimeout)
}

func TestPoolOptions_MinNeverExceedsMax(t *testing.T) {
	o := PoolOptions{MaxConns: 2, MinConns: 4}.withDefaults()
	assert.EqualValues(t, 2, o.MaxConns)
	assert.EqualValues(t, 2, o.MinConns)
}

func TestOpen_BadDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz", PoolOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse dsn")
}
