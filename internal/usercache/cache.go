// Package usercache resolves user ids to user records, backed by the users
// API with a session-lifetime cache. The typing indicator and member lists
// render display names through it; concurrent lookups for the same id are
// collapsed into one fetch.
package usercache

import (
	"context"
	"sync"

	"github.com/chatmee/chat-client/internal/history"
)

// Fetcher is the slice of the REST client the cache needs.
type Fetcher interface {
	UserByID(ctx context.Context, userID string) (history.User, error)
}

// Cache is a goroutine-safe id -> user store with fetch-on-miss.
type Cache struct {
	fetcher Fetcher

	mu       sync.Mutex
	users    map[string]history.User
	inflight map[string]*call
}

// call is one in-flight fetch shared by concurrent resolvers.
type call struct {
	done chan struct{}
	user history.User
	err  error
}

// New creates an empty cache over the given fetcher.
func New(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher:  fetcher,
		users:    make(map[string]history.User),
		inflight: make(map[string]*call),
	}
}

// Get returns the cached record for id, if any. It never fetches.
func (c *Cache) Get(userID string) (history.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	return u, ok
}

// Add stores a record, replacing any cached one.
func (c *Cache) Add(user history.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[user.ID] = user
}

// SetAll merges a batch of records into the cache.
func (c *Cache) SetAll(users []history.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		c.users[u.ID] = u
	}
}

// Resolve returns the record for id, fetching on a cache miss. Concurrent
// misses for the same id share a single fetch. Errors are not cached; a
// later Resolve retries.
func (c *Cache) Resolve(ctx context.Context, userID string) (history.User, error) {
	c.mu.Lock()
	if u, ok := c.users[userID]; ok {
		c.mu.Unlock()
		return u, nil
	}
	if cl, ok := c.inflight[userID]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.user, cl.err
		case <-ctx.Done():
			return history.User{}, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[userID] = cl
	c.mu.Unlock()

	cl.user, cl.err = c.fetcher.UserByID(ctx, userID)

	c.mu.Lock()
	delete(c.inflight, userID)
	if cl.err == nil {
		c.users[userID] = cl.user
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.user, cl.err
}

// DisplayName resolves id to a display name, falling back to the raw id
// when the record cannot be fetched.
func (c *Cache) DisplayName(ctx context.Context, userID string) string {
	u, err := c.Resolve(ctx, userID)
	if err != nil || u.Name == "" {
		return userID
	}
	return u.Name
}
