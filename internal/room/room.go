// Package room holds the presence state of the single chat room.
package room

import (
	"sort"

	"github.com/christopherjohns/chatroom/internal/user"
)

type entry struct {
	user user.User
	seq  uint64
}

// Roster maps connection identities to the users present in the room.
//
// Roster performs no locking. It is owned by the hub goroutine, which is the
// only code allowed to touch it.
type Roster struct {
	entries map[string]*entry
	nextSeq uint64
}

// NewRoster creates an empty Roster.
func NewRoster() *Roster {
	return &Roster{
		entries: make(map[string]*entry),
	}
}

// Put stores u under connection id. Replacing an existing entry keeps its
// position in Values.
func (r *Roster) Put(id string, u user.User) {
	if e, ok := r.entries[id]; ok {
		e.user = u
		return
	}
	r.nextSeq++
	r.entries[id] = &entry{user: u, seq: r.nextSeq}
}

// Remove deletes the entry for id and returns the user it held.
func (r *Roster) Remove(id string) (user.User, bool) {
	e, ok := r.entries[id]
	if !ok {
		return user.User{}, false
	}
	delete(r.entries, id)
	return e.user, true
}

// Get returns the user registered under id.
func (r *Roster) Get(id string) (user.User, bool) {
	e, ok := r.entries[id]
	if !ok {
		return user.User{}, false
	}
	return e.user, true
}

// Values returns a snapshot of all present users in join order.
func (r *Roster) Values() []user.User {
	sorted := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].seq < sorted[j].seq
	})

	users := make([]user.User, len(sorted))
	for i, e := range sorted {
		users[i] = e.user
	}
	return users
}

// Len returns the number of present users.
func (r *Roster) Len() int {
	return len(r.entries)
}
