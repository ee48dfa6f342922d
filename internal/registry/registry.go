// Package registry tracks every in-flight request per user and carries the
// cancellation flag each workflow consults before a side effect.
//
// A request is registered when its delivery is accepted and finalized when
// the workflow reaches any terminal step. Cancellation is advisory: the
// registry only flips a flag, and the workflow stops at its next checkpoint.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billie-coop/askdata/internal/csync"
)

// ErrCancelled is returned by workflow steps that observed a cancellation.
var ErrCancelled = errors.New("request cancelled")

// Request is one accepted delivery being processed for a user.
type Request struct {
	ID              string
	User            string
	CreatedAt       time.Time
	CancelRequested bool
	InProgress      bool
}

// userRequests holds one user's requests in arrival order. Once retired it
// has been removed from the registry and must not be written again.
type userRequests struct {
	mu      sync.Mutex
	list    []*Request
	retired bool
}

func (u *userRequests) index(id string) int {
	for i, r := range u.list {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Registry maps users to their ordered in-flight requests.
//
// Lock order is per-user mutex, then the users map. The map lock is only held
// for lookups and removals, so unrelated users never wait on each other.
type Registry struct {
	users *csync.Map[string, *userRequests]
	now   func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		users: csync.NewMap[string, *userRequests](),
		now:   time.Now,
	}
}

// NewID returns a fresh, time-ordered request id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Register appends a request for user. Registering an id the user already
// has is a no-op.
func (r *Registry) Register(user, id string) {
	for {
		u, _ := r.users.LoadOrStore(user, func() *userRequests { return &userRequests{} })
		u.mu.Lock()
		if u.retired {
			u.mu.Unlock()
			continue
		}
		if u.index(id) < 0 {
			u.list = append(u.list, &Request{
				ID:         id,
				User:       user,
				CreatedAt:  r.now(),
				InProgress: true,
			})
		}
		u.mu.Unlock()
		return
	}
}

// withExisting runs fn under the user's lock if the user has an entry.
// It reports false when the user has no requests.
func (r *Registry) withExisting(user string, fn func(*userRequests)) bool {
	for {
		u, ok := r.users.Get(user)
		if !ok {
			return false
		}
		u.mu.Lock()
		if u.retired {
			u.mu.Unlock()
			continue
		}
		fn(u)
		u.mu.Unlock()
		return true
	}
}

// CheckCancelled reports whether the workflow for id must stop: the request
// is gone or its owner asked to cancel it.
func (r *Registry) CheckCancelled(user, id string) bool {
	cancelled := true
	r.withExisting(user, func(u *userRequests) {
		if i := u.index(id); i >= 0 {
			cancelled = u.list[i].CancelRequested
		}
	})
	return cancelled
}

// CancelMostRecentActive marks the newest request of user that is still in
// progress and not yet cancelled. At most one request changes per call.
func (r *Registry) CancelMostRecentActive(user string) (string, bool) {
	var (
		id    string
		found bool
	)
	r.withExisting(user, func(u *userRequests) {
		for i := len(u.list) - 1; i >= 0; i-- {
			req := u.list[i]
			if req.InProgress && !req.CancelRequested {
				req.CancelRequested = true
				req.InProgress = false
				id, found = req.ID, true
				return
			}
		}
	})
	return id, found
}

// Finalize removes the request. Calling it again, or for an unknown id, does
// nothing. A user left with no requests is dropped from the registry.
func (r *Registry) Finalize(user, id string) {
	r.withExisting(user, func(u *userRequests) {
		i := u.index(id)
		if i < 0 {
			return
		}
		u.list = append(u.list[:i], u.list[i+1:]...)
		if len(u.list) == 0 {
			u.retired = true
			r.users.DeleteIf(user, func(cur *userRequests) bool { return cur == u })
		}
	})
}

// Active returns a snapshot of user's requests in arrival order.
func (r *Registry) Active(user string) []Request {
	var out []Request
	r.withExisting(user, func(u *userRequests) {
		out = make([]Request, 0, len(u.list))
		for _, req := range u.list {
			out = append(out, *req)
		}
	})
	return out
}

// Users returns how many users currently have requests.
func (r *Registry) Users() int {
	return r.users.Len()
}

// Checkpoint binds a request to its registry so workflow code can ask a
// single question before each side effect.
type Checkpoint struct {
	reg  *Registry
	user string
	id   string
}

// Checkpoint returns the checkpoint for (user, id).
func (r *Registry) Checkpoint(user, id string) Checkpoint {
	return Checkpoint{reg: r, user: user, id: id}
}

// Cancelled reports whether the request must stop.
func (c Checkpoint) Cancelled() bool {
	return c.reg.CheckCancelled(c.user, c.id)
}

// Err returns ErrCancelled when the request must stop, nil otherwise.
func (c Checkpoint) Err() error {
	if c.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// User returns the owner of the request.
func (c Checkpoint) User() string { return c.user }

// ID returns the request id.
func (c Checkpoint) ID() string { return c.id }
