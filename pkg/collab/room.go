package collab

import (
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Room is the set of participants connected to one project.
type Room struct {
	ProjectID uuid.UUID

	mu           sync.RWMutex
	participants map[string]*Participant
}

func newRoom(projectID uuid.UUID) *Room {
	return &Room{
		ProjectID:    projectID,
		participants: make(map[string]*Participant),
	}
}

func (r *Room) add(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.ID] = p
}

// remove deletes p and reports whether the room is now empty.
func (r *Room) remove(p *Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, p.ID)
	return len(r.participants) == 0
}

// Size returns the number of connected participants.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Presence returns every participant's presence, ordered by email.
func (r *Room) Presence() []UserInfo {
	r.mu.RLock()
	users := make([]UserInfo, 0, len(r.participants))
	for _, p := range r.participants {
		users = append(users, p.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(users, func(a, b UserInfo) int {
		if c := strings.Compare(a.Email, b.Email); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return users
}

// deliver enqueues data for every participant except the one whose ID is
// exclude. Recipients are snapshotted first so a slow consumer never holds
// the room lock.
func (r *Room) deliver(data []byte, exclude string) {
	r.mu.RLock()
	recipients := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id != exclude {
			recipients = append(recipients, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range recipients {
		p.Enqueue(data)
	}
}
