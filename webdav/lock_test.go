// Copyright (C) 2022  Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package webdav

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory Store for exercising Registry without a
// real database.
type memStore struct {
	rows map[uint64]Lock
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uint64]Lock)}
}

func (s *memStore) InsertLock(l Lock) error {
	s.rows[l.ID] = l
	return nil
}

func (s *memStore) UpdateLock(l Lock) error {
	s.rows[l.ID] = l
	return nil
}

func (s *memStore) DeleteLock(id uint64) error {
	delete(s.rows, id)
	return nil
}

func (s *memStore) LoadLocks() ([]Lock, error) {
	out := make([]Lock, 0, len(s.rows))
	for _, l := range s.rows {
		out = append(out, l)
	}
	return out, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(newMemStore())
	require.NoError(t, err)
	return r
}

func TestRegistryAddAndByToken(t *testing.T) {
	r := newTestRegistry(t)

	id, token, err := r.Add("/a", ScopeExclusive, DepthZero, time.Hour, "alice")
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Contains(t, token, "opaquelocktoken:")

	l, ok := r.ByToken(token)
	require.True(t, ok)
	assert.Equal(t, "/a", l.Resource)
	assert.Equal(t, ScopeExclusive, l.Scope)

	l2, ok := r.ByID(id)
	require.True(t, ok)
	assert.Equal(t, l.Token, l2.Token)
}

func TestRegistryAllLocksRespectsDepth(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.Add("/dir", ScopeExclusive, DepthInfinity, time.Hour, "")
	require.NoError(t, err)
	_, _, err = r.Add("/other", ScopeExclusive, DepthZero, time.Hour, "")
	require.NoError(t, err)

	locks := r.AllLocks("/dir/child")
	require.Len(t, locks, 1)
	assert.Equal(t, "/dir", locks[0].Resource)

	assert.Empty(t, r.AllLocks("/other/child"))
	assert.Len(t, r.AllLocks("/other"), 1)
}

func TestRegistryZeroDepthDoesNotCoverChildren(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Add("/dir", ScopeExclusive, DepthZero, time.Hour, "")
	require.NoError(t, err)

	assert.Len(t, r.AllLocks("/dir"), 1)
	assert.Empty(t, r.AllLocks("/dir/child"))
}

func TestRegistryExclusiveAndSharedLocks(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Add("/r", ScopeShared, DepthZero, time.Hour, "")
	require.NoError(t, err)
	_, _, err = r.Add("/r", ScopeShared, DepthZero, time.Hour, "")
	require.NoError(t, err)

	assert.Len(t, r.SharedLocks("/r"), 2)
	assert.Empty(t, r.ExclusiveLocks("/r"))
}

func TestRegistryConflictAndDependentLocks(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Add("/col/ex", ScopeExclusive, DepthZero, time.Hour, "")
	require.NoError(t, err)
	_, _, err = r.Add("/col/sh", ScopeShared, DepthZero, time.Hour, "")
	require.NoError(t, err)

	assert.Len(t, r.ConflictLocks("/col"), 1)
	assert.Len(t, r.DependentLocks("/col"), 2)
	assert.Empty(t, r.ConflictLocks("/col/ex"))
}

func TestRegistryRefresh(t *testing.T) {
	r := newTestRegistry(t)
	id, _, err := r.Add("/a", ScopeExclusive, DepthZero, time.Minute, "")
	require.NoError(t, err)

	before, _ := r.ByID(id)
	refreshed, err := r.Refresh(id, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, refreshed.Timeout)
	assert.True(t, refreshed.Created.After(before.Created) || refreshed.Created.Equal(before.Created))
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t)
	id, token, err := r.Add("/a", ScopeExclusive, DepthZero, time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, r.Remove(id))
	_, ok := r.ByToken(token)
	assert.False(t, ok)

	assert.ErrorIs(t, r.Remove(id), ErrNoSuchLock)
}

func TestRegistryExpirySweep(t *testing.T) {
	store := newMemStore()
	store.rows[1] = Lock{
		ID:       1,
		Resource: "/gone",
		Token:    "opaquelocktoken:expired",
		Scope:    ScopeExclusive,
		Depth:    DepthZero,
		Created:  time.Now().Add(-2 * time.Hour),
		Timeout:  time.Minute,
	}
	r, err := NewRegistry(store)
	require.NoError(t, err)

	_, ok := r.ByID(1)
	assert.False(t, ok)
	_, hasRow := store.rows[1]
	assert.False(t, hasRow)
}

func TestCoversAndIsDescendant(t *testing.T) {
	assert.True(t, covers("/a", DepthZero, "/a"))
	assert.False(t, covers("/a", DepthZero, "/a/b"))
	assert.True(t, covers("/a", DepthInfinity, "/a/b"))
	assert.True(t, covers("/a", DepthInfinity, "/a/b/c"))
	assert.False(t, covers("/a", DepthInfinity, "/ab"))

	assert.True(t, isDescendant("/", "/a"))
	assert.False(t, isDescendant("/", "/"))
}
