package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-performance-api/pkg/errors"
)

type fakeCacheBackend struct {
	values  map[string]string
	getErr  error
	setErr  error
	deleted []string
	setKeys []string
}

func (f *fakeCacheBackend) Get(_ context.Context, key string, dest interface{}) error {
	if f.getErr != nil {
		return f.getErr
	}
	value, ok := f.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	*dest.(*string) = value
	return nil
}

func (f *fakeCacheBackend) Set(_ context.Context, key string, _ interface{}, _ time.Duration) error {
	f.setKeys = append(f.setKeys, key)
	return f.setErr
}

func (f *fakeCacheBackend) DeleteByPattern(_ context.Context, pattern string) error {
	f.deleted = append(f.deleted, pattern)
	return nil
}

func TestCacheGetHitAndMiss(t *testing.T) {
	backend := &fakeCacheBackend{values: map[string]string{"stats:c1": "cached"}}
	svc := NewCacheService(backend, nil, time.Minute, nil, true)

	var out string
	hit, err := svc.Get(context.Background(), "stats:c1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "cached", out)

	hit, err = svc.Get(context.Background(), "stats:absent", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheGetSurfacesBackendError(t *testing.T) {
	backend := &fakeCacheBackend{getErr: errors.New("connection refused")}
	svc := NewCacheService(backend, nil, time.Minute, nil, true)

	var out string
	hit, err := svc.Get(context.Background(), "stats:c1", &out)
	assert.False(t, hit)
	assert.Error(t, err)
}

func TestCacheDisabledIsNoop(t *testing.T) {
	backend := &fakeCacheBackend{values: map[string]string{"stats:c1": "cached"}}
	svc := NewCacheService(backend, nil, time.Minute, nil, false)

	var out string
	hit, err := svc.Get(context.Background(), "stats:c1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(context.Background(), "stats:c1", "x", 0))
	assert.Empty(t, backend.setKeys)
}

func TestCacheInvalidateForwardsPattern(t *testing.T) {
	backend := &fakeCacheBackend{}
	svc := NewCacheService(backend, nil, time.Minute, nil, true)

	require.NoError(t, svc.Invalidate(context.Background(), "stats:subject:s1:*"))
	assert.Equal(t, []string{"stats:subject:s1:*"}, backend.deleted)
}
