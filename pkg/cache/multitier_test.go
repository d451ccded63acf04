package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTier2 is an in-memory Tier2 with optional forced failures.
type stubTier2 struct {
	values  map[string]any
	failGet bool
	failPut bool
	puts    int
}

func newStubTier2() *stubTier2 {
	return &stubTier2{values: map[string]any{}}
}

func (s *stubTier2) Get(_ context.Context, key string) (any, bool, error) {
	if s.failGet {
		return nil, false, errors.New("tier2 down")
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *stubTier2) Put(_ context.Context, key string, value any, _ time.Duration) error {
	if s.failPut {
		return errors.New("tier2 down")
	}
	s.puts++
	s.values[key] = value
	return nil
}

func (s *stubTier2) Delete(_ context.Context, key string) (bool, error) {
	_, ok := s.values[key]
	delete(s.values, key)
	return ok, nil
}

func TestMultiTierPromotesTier2Hits(t *testing.T) {
	remote := newStubTier2()
	remote.values["k"] = "shared"
	m := NewMultiTier(NewLRU(10, 0), remote)

	got, ok := m.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "shared", got)

	// Promotion: tier-1 now answers without tier-2.
	remote.failGet = true
	got, ok = m.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "shared", got)
}

func TestMultiTierTier2ErrorIsMiss(t *testing.T) {
	remote := newStubTier2()
	remote.failGet = true
	m := NewMultiTier(NewLRU(10, 0), remote)

	_, ok := m.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestMultiTierPutBestEffort(t *testing.T) {
	remote := newStubTier2()
	remote.failPut = true
	m := NewMultiTier(NewLRU(10, 0), remote)

	m.Put(context.Background(), "k", "v", 0)

	// Tier-1 holds the value despite the tier-2 failure.
	got, ok := m.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestMultiTierDeleteBothTiers(t *testing.T) {
	remote := newStubTier2()
	m := NewMultiTier(NewLRU(10, 0), remote)
	m.Put(context.Background(), "k", "v", 0)

	assert.True(t, m.Delete(context.Background(), "k"))
	_, ok := m.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Empty(t, remote.values)
}

func TestMultiTierDeleteRemoteOnly(t *testing.T) {
	remote := newStubTier2()
	remote.values["k"] = "v"
	m := NewMultiTier(NewLRU(10, 0), remote)

	assert.True(t, m.Delete(context.Background(), "k"))
}

func TestMultiTierWithoutRemote(t *testing.T) {
	m := NewMultiTier(NewLRU(10, 0), nil)
	m.Put(context.Background(), "k", "v", 0)

	got, ok := m.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
	_, ok = m.Get(context.Background(), "absent")
	assert.False(t, ok)
}
