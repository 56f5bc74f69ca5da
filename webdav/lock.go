// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

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
	"container/heap"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scope is a lock's sharing mode (data model §3).
type Scope int

const (
	ScopeExclusive Scope = iota
	ScopeShared
)

func (s Scope) String() string {
	if s == ScopeShared {
		return "shared"
	}
	return "exclusive"
}

// Depth is a lock's reach. DepthInfinity covers every descendant of the
// locked resource; DepthZero covers only the resource itself.
type Depth int

const (
	DepthZero     Depth = 0
	DepthInfinity Depth = -1
)

// MaxTimeout bounds any client-supplied Timeout value (§5) and backstops
// infinite-duration locks so a crashed unlock can never wedge a resource
// forever.
const MaxTimeout = 7 * 24 * time.Hour

// NoTimeout marks a lock with no client-supplied expiry. It is still subject
// to the MaxTimeout backstop.
const NoTimeout time.Duration = 0

// Lock is the registry's unit of record (data model §3).
type Lock struct {
	ID       uint64
	Resource string
	Token    string
	Scope    Scope
	Depth    Depth
	Created  time.Time
	Timeout  time.Duration
	Owner    string

	// heapIndex is the lock's position in Registry.heap; it is bookkeeping
	// for lockHeap and has no meaning outside the registry.
	heapIndex int
}

// expiry is the wall-clock instant this lock is swept, applying the
// MaxTimeout backstop to NoTimeout (and any over-long) duration per §4.2.
func (l Lock) expiry() time.Time {
	if l.Timeout > 0 && l.Timeout < MaxTimeout {
		return l.Created.Add(l.Timeout)
	}
	return l.Created.Add(MaxTimeout)
}

// Store persists the locks table of §6. Implementations (internal/store has
// one backed by buntdb) need only support these four operations; the
// registry keeps the authoritative in-memory view and treats Store as a
// write-through log plus a cold-start source of truth.
type Store interface {
	InsertLock(l Lock) error
	UpdateLock(l Lock) error
	DeleteLock(id uint64) error
	LoadLocks() ([]Lock, error)
}

// Registry is the in-memory lock table of §4.2, backed by a persistent
// Store. Its structure — a map keyed by id/token plus a min-heap of
// expiries — generalizes the teacher's memLS design (one opaque node per
// covered path) to the spec's explicit Scope/Depth/conflict-query model.
type Registry struct {
	mu      sync.Mutex
	store   Store
	byID    map[uint64]*Lock
	byToken map[string]*Lock
	nextID  uint64
	heap    lockHeap
}

// NewRegistry loads the Store, purging already-expired rows before serving
// any query (§6: "On startup the lock registry purges expired rows, then
// loads the remainder.").
func NewRegistry(store Store) (*Registry, error) {
	r := &Registry{
		store:   store,
		byID:    make(map[uint64]*Lock),
		byToken: make(map[string]*Lock),
	}
	rows, err := store.LoadLocks()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range rows {
		l := rows[i]
		if !l.expiry().After(now) {
			_ = store.DeleteLock(l.ID)
			continue
		}
		r.insertLocal(&l)
		if l.ID >= r.nextID {
			r.nextID = l.ID + 1
		}
	}
	return r, nil
}

func (r *Registry) insertLocal(l *Lock) {
	r.byID[l.ID] = l
	r.byToken[l.Token] = l
	heap.Push(&r.heap, l)
}

func (r *Registry) collectExpired(now time.Time) {
	for len(r.heap) > 0 && !r.heap[0].expiry().After(now) {
		n := heap.Pop(&r.heap).(*Lock)
		delete(r.byID, n.ID)
		delete(r.byToken, n.Token)
		_ = r.store.DeleteLock(n.ID)
	}
}

func newToken(resource string, created time.Time) string {
	sum := sha256.Sum256([]byte(resource + "\x00" + created.Format(time.RFC3339Nano) + "\x00" + uuid.NewString()))
	return fmt.Sprintf("opaquelocktoken:%x", sum)
}

// Add unconditionally inserts a lock; callers run the conflict rules of
// §4.4 first (the registry itself never refuses an Add).
func (r *Registry) Add(resource string, scope Scope, depth Depth, timeout time.Duration, owner string) (id uint64, token string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.collectExpired(now)

	resource = slashClean(resource)
	r.nextID++
	l := &Lock{
		ID:       r.nextID,
		Resource: resource,
		Scope:    scope,
		Depth:    depth,
		Created:  now,
		Timeout:  timeout,
		Owner:    owner,
	}
	l.Token = newToken(resource, now)
	if err := r.store.InsertLock(*l); err != nil {
		return 0, "", err
	}
	r.insertLocal(l)
	return l.ID, l.Token, nil
}

// Refresh resets created=now and updates the timeout (§4.2).
func (r *Registry) Refresh(id uint64, timeout time.Duration) (Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())

	l, ok := r.byID[id]
	if !ok {
		return Lock{}, ErrNoSuchLock
	}
	l.Created = time.Now()
	l.Timeout = timeout
	heap.Fix(&r.heap, l.heapIndex)
	if err := r.store.UpdateLock(*l); err != nil {
		return Lock{}, err
	}
	return *l, nil
}

// Remove deletes the lock with the given id.
func (r *Registry) Remove(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())

	l, ok := r.byID[id]
	if !ok {
		return ErrNoSuchLock
	}
	heap.Remove(&r.heap, l.heapIndex)
	delete(r.byID, id)
	delete(r.byToken, l.Token)
	return r.store.DeleteLock(id)
}

// ByID returns the lock with the given id, if live.
func (r *Registry) ByID(id uint64) (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())
	l, ok := r.byID[id]
	if !ok {
		return Lock{}, false
	}
	return *l, true
}

// ByToken returns the lock with the given token, if live.
func (r *Registry) ByToken(token string) (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())
	l, ok := r.byToken[token]
	if !ok {
		return Lock{}, false
	}
	return *l, true
}

// covers reports whether a lock rooted at root, with the given depth, covers
// uri. "/" is the sole path separator considered, per the design note in §9
// (the reference source's regex-based matcher is not imitated).
func covers(root string, depth Depth, uri string) bool {
	root = slashClean(root)
	uri = slashClean(uri)
	if root == uri {
		return true
	}
	if depth != DepthInfinity {
		return false
	}
	return isDescendant(root, uri)
}

// isDescendant reports whether child is strictly under parent in the URI
// tree.
func isDescendant(parent, child string) bool {
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+"/")
}

// AllLocks returns every non-expired lock that covers uri.
func (r *Registry) AllLocks(uri string) []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())
	uri = slashClean(uri)

	var out []Lock
	for _, l := range r.byID {
		if covers(l.Resource, l.Depth, uri) {
			out = append(out, *l)
		}
	}
	return out
}

// ExclusiveLocks returns the non-expired EXCLUSIVE locks covering uri.
func (r *Registry) ExclusiveLocks(uri string) []Lock {
	return filterScope(r.AllLocks(uri), ScopeExclusive)
}

// SharedLocks returns the non-expired SHARED locks covering uri.
func (r *Registry) SharedLocks(uri string) []Lock {
	return filterScope(r.AllLocks(uri), ScopeShared)
}

func filterScope(locks []Lock, scope Scope) []Lock {
	var out []Lock
	for _, l := range locks {
		if l.Scope == scope {
			out = append(out, l)
		}
	}
	return out
}

// ConflictLocks returns every non-expired EXCLUSIVE lock held on a proper
// descendant of uri.
func (r *Registry) ConflictLocks(uri string) []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())
	uri = slashClean(uri)

	var out []Lock
	for _, l := range r.byID {
		if l.Scope != ScopeExclusive {
			continue
		}
		if l.Resource != uri && isDescendant(uri, l.Resource) {
			out = append(out, *l)
		}
	}
	return out
}

// DependentLocks returns every non-expired lock, of any scope, held on a
// proper descendant of uri.
func (r *Registry) DependentLocks(uri string) []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectExpired(time.Now())
	uri = slashClean(uri)

	var out []Lock
	for _, l := range r.byID {
		if l.Resource != uri && isDescendant(uri, l.Resource) {
			out = append(out, *l)
		}
	}
	return out
}

// lockHeap is a min-heap over Lock.expiry(), adapted from the teacher's
// byExpiry type: same Push/Pop/Swap shape, generalized to the richer Lock
// struct and its heapIndex bookkeeping field.
type lockHeap []*Lock

func (h lockHeap) Len() int           { return len(h) }
func (h lockHeap) Less(i, j int) bool { return h[i].expiry().Before(h[j].expiry()) }
func (h lockHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *lockHeap) Push(x interface{}) {
	l := x.(*Lock)
	l.heapIndex = len(*h)
	*h = append(*h, l)
}

func (h *lockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.heapIndex = -1
	*h = old[:n-1]
	return l
}
