// Package ring picks the entry hub a front conveys an artifact to. Hubs sit
// on a consistent-hash ring keyed by the artifact fingerprint, so the same
// request always enters the mesh at the same hub and removing one hub only
// moves the fingerprints it owned.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

// FNV32a is the default ring hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

type Ring struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> hub id
	hubs     map[string]string // hub id -> submit URL
}

func New(replicas int, h Hasher) *Ring {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &Ring{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		hubs:     make(map[string]string),
	}
}

// Add places hubID on the ring with replicas virtual points.
func (r *Ring) Add(hubID, submitURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hubs[hubID]; ok {
		return
	}
	r.hubs[hubID] = submitURL
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(hubID, i))
		r.owners[pt] = hubID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *Ring) Remove(hubID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hubs[hubID]; !ok {
		return
	}
	delete(r.hubs, hubID)
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.hubs {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Pick returns the hub owning fingerprint and its submit URL.
func (r *Ring) Pick(fingerprint string) (hubID, submitURL string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return "", "", false
	}
	h := r.hash([]byte(fingerprint))
	// first point >= h, wrap if needed
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	hubID = r.owners[r.points[idx]]
	submitURL = r.hubs[hubID]
	return hubID, submitURL, submitURL != ""
}

// Hubs returns a copy of hub id -> submit URL.
func (r *Ring) Hubs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.hubs)
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hubs)
}

func pointKey(hubID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(hubID), buf[:]...)
}
