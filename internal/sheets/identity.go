package sheets

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// maxGenerateAttempts bounds how many random draws ClaimNew makes looking for
// an unused id before settling for the last one drawn.
const maxGenerateAttempts = 16

// Registry tracks which client ids are in use by live connections, and which
// were released recently enough that their owner may still reconnect.
type Registry struct {
	mu sync.Mutex
	// id -> number of live connections using it. An entry with a count of
	// zero is a reservation and expires after the grace period.
	ids   *gocache.Cache
	grace time.Duration

	random func() uint32
}

func NewRegistry(grace time.Duration) *Registry {
	cleanup := grace
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &Registry{
		ids:    gocache.New(gocache.NoExpiration, cleanup),
		grace:  grace,
		random: randomID,
	}
}

// ClaimNew claims a uniformly random id that is neither live nor reserved.
func (r *Registry) ClaimNew() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.generate()
	r.ids.Set(key(id), r.liveCount(id)+1, gocache.NoExpiration)
	return id
}

func (r *Registry) generate() uint32 {
	var id uint32
	for i := 0; i < maxGenerateAttempts; i++ {
		id = r.random()
		if _, taken := r.ids.Get(key(id)); !taken {
			break
		}
	}
	return id
}

// Claim marks id as used by one more live connection and reports whether
// another live connection was already using it.
func (r *Registry) Claim(id uint32) (collided bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.liveCount(id)
	r.ids.Set(key(id), count+1, gocache.NoExpiration)
	return count > 0
}

// ClaimUnused claims id only when no live connection uses it, reporting
// whether it did.
func (r *Registry) ClaimUnused(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.liveCount(id) > 0 {
		return false
	}
	r.ids.Set(key(id), 1, gocache.NoExpiration)
	return true
}

// Release gives up one live use of id. Once no connection uses it, the id stays
// reserved for the grace period.
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.liveCount(id)
	switch {
	case count > 1:
		r.ids.Set(key(id), count-1, gocache.NoExpiration)
	case r.grace > 0:
		r.ids.Set(key(id), 0, r.grace)
	default:
		r.ids.Delete(key(id))
	}
}

// IsLive reports whether a live connection currently uses id.
func (r *Registry) IsLive(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveCount(id) > 0
}

func (r *Registry) liveCount(id uint32) int {
	v, ok := r.ids.Get(key(id))
	if !ok {
		return 0
	}
	return v.(int)
}

func key(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func randomID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return mathrand.Uint32()
	}
	return binary.BigEndian.Uint32(b[:])
}
