package peer

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Directory tracks the user names a peer has seen and whether they are
// currently reachable, fed by presence-registry changes. It backs the
// "available users" listing.
type Directory struct {
	users  map[string]*UserData
	logger *zap.Logger
	mu     sync.RWMutex
}

// UserData holds essential user information
type UserData struct {
	Name     string
	Online   bool
	LastSeen time.Time
}

// NewDirectory creates a new directory
func NewDirectory(logger *zap.Logger) *Directory {
	return &Directory{
		users:  make(map[string]*UserData),
		logger: logger,
	}
}

// MarkOnline records that a user is reachable.
func (d *Directory) MarkOnline(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, exists := d.users[name]; exists {
		u.Online = true
		u.LastSeen = time.Now()
	} else {
		d.users[name] = &UserData{
			Name:     name,
			Online:   true,
			LastSeen: time.Now(),
		}
		d.logger.Debug("New user observed", zap.String("user", name))
	}
}

// MarkOffline records that a user has gone unreachable.
func (d *Directory) MarkOffline(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, exists := d.users[name]; exists {
		u.Online = false
		u.LastSeen = time.Now()
	}
}

// Get retrieves a copy of one user's entry.
func (d *Directory) Get(name string) (UserData, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if u, exists := d.users[name]; exists {
		return *u, true
	}
	return UserData{}, false
}

// Online returns the names of all currently reachable users, sorted.
func (d *Directory) Online() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var online []string
	for name, u := range d.users {
		if u.Online {
			online = append(online, name)
		}
	}
	sort.Strings(online)
	return online
}

// All returns a copy of every known entry, sorted by name.
func (d *Directory) All() []UserData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all := make([]UserData, 0, len(d.users))
	for _, u := range d.users {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}
