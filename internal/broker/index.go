package broker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/meshline/ds-gateway/internal/domain/model"
)

// linkIndex tracks authenticated links by session token, device and user
// so revocation can sever transports eagerly instead of waiting for the
// next authorization check to fail.
type linkIndex struct {
	mu     sync.RWMutex
	links  map[uuid.UUID]*Link
	bySess map[string]map[uuid.UUID]*Link
	byDev  map[model.DeviceID]map[uuid.UUID]*Link
	byUser map[model.UserID]map[uuid.UUID]*Link
}

func newLinkIndex() *linkIndex {
	return &linkIndex{
		links:  make(map[uuid.UUID]*Link),
		bySess: make(map[string]map[uuid.UUID]*Link),
		byDev:  make(map[model.DeviceID]map[uuid.UUID]*Link),
		byUser: make(map[model.UserID]map[uuid.UUID]*Link),
	}
}

func (ix *linkIndex) add(l *Link) {
	sess, ok := l.Session()
	if !ok {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.links[l.id] = l
	put(ix.bySess, sess.SessionToken, l)
	put(ix.byDev, sess.DeviceID, l)
	put(ix.byUser, sess.UserID, l)
}

func (ix *linkIndex) remove(l *Link) {
	sess, ok := l.Session()
	if !ok {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.links, l.id)
	del(ix.bySess, sess.SessionToken, l.id)
	del(ix.byDev, sess.DeviceID, l.id)
	del(ix.byUser, sess.UserID, l.id)
}

func (ix *linkIndex) bySessionToken(token string) []*Link {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return snapshot(ix.bySess[token])
}

func (ix *linkIndex) byDeviceID(device model.DeviceID) []*Link {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return snapshot(ix.byDev[device])
}

func (ix *linkIndex) byUserID(user model.UserID) []*Link {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return snapshot(ix.byUser[user])
}

// stream picks the newest live link of the given transport for a device.
func (ix *linkIndex) stream(device model.DeviceID, transport string) (*Link, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var best *Link
	for _, l := range ix.byDev[device] {
		if l.Transport() != transport {
			continue
		}
		select {
		case <-l.Done():
			continue
		default:
		}
		if best == nil || l.CreatedAt().After(best.CreatedAt()) {
			best = l
		}
	}
	return best, best != nil
}

func (ix *linkIndex) count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.links)
}

func (ix *linkIndex) all() []*Link {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return snapshot(ix.links)
}

func put[K comparable](m map[K]map[uuid.UUID]*Link, key K, l *Link) {
	set := m[key]
	if set == nil {
		set = make(map[uuid.UUID]*Link)
		m[key] = set
	}
	set[l.id] = l
}

func del[K comparable](m map[K]map[uuid.UUID]*Link, key K, id uuid.UUID) {
	if set := m[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func snapshot(set map[uuid.UUID]*Link) []*Link {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Link, 0, len(set))
	for _, l := range set {
		out = append(out, l)
	}
	return out
}
