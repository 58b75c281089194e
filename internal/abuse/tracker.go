// Package abuse implements the optional per-source packets-per-second
// tracker (spec.md §4.5): a bounded, two-level map keyed first by a
// source's /48 IPv6 prefix and, until collapse, by its /64 prefix within
// that /48. It assigns a stable, opaque, monotonically increasing user ID
// to each tracked prefix and exists purely to bound the blast radius of a
// single actor spoofing many source addresses.
package abuse

import (
	"net"
	"sync"
	"time"

	"github.com/serverscanning/place-ipv6-server/internal/telemetry"
)

const (
	// capA is the maximum number of distinct /48 entries tracked at once.
	// Exceeding it wipes the table and disables tracking for disableFor.
	capA = 1024
	// capB is the maximum number of /64 entries inside one Prefix64
	// bucket before it collapses into a single Prefix48 bucket.
	capB = 1024

	disableFor = 30 * time.Second
	idleReap   = 60 * time.Minute
)

// Prefix48 is the first 3 IPv6 segments (48 bits) of a source address.
type Prefix48 [3]uint16

// Prefix64 is the first 4 IPv6 segments (64 bits) of a source address.
type Prefix64 [4]uint16

func prefix48(ip net.IP) Prefix48 {
	ip16 := ip.To16()
	return Prefix48{segment(ip16, 0), segment(ip16, 1), segment(ip16, 2)}
}

func prefix64(ip net.IP) Prefix64 {
	ip16 := ip.To16()
	return Prefix64{segment(ip16, 0), segment(ip16, 1), segment(ip16, 2), segment(ip16, 3)}
}

func segment(ip net.IP, i int) uint16 {
	return uint16(ip[i*2])<<8 | uint16(ip[i*2+1])
}

// UserID is the stable, opaque identifier handed out to a tracked prefix.
type UserID uint64

type entryData struct {
	userID   UserID
	counter  uint64
	lastSeen time.Time
}

// bucket is either an un-collapsed Prefix64 map or a collapsed single
// entry. Exactly one of the two fields is non-nil/valid at a time.
type bucket struct {
	collapsed bool
	single    entryData
	inner     map[Prefix64]*entryData
}

// Tracker is the mutex-guarded per-source PPS table. It is safe for
// concurrent use by the aggregator (Record) and HTTP handlers (Lookup).
type Tracker struct {
	mu            sync.Mutex
	table         map[Prefix48]*bucket
	nextUserID    UserID
	disabledUntil time.Time
}

// New returns an empty, enabled Tracker.
func New() *Tracker {
	return &Tracker{
		table:      make(map[Prefix48]*bucket),
		nextUserID: 1,
	}
}

// Record registers one packet from ip at time now, creating or migrating
// entries as needed per spec.md §4.5. It mutates the table and may
// trigger a /64->/48 collapse or an emergency disable-and-clear. It must
// never be called from a read-only status lookup.
func (t *Tracker) Record(ip net.IP, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isDisabledLocked(now) {
		return
	}

	p48 := prefix48(ip)
	b, exists := t.table[p48]
	if !exists {
		if len(t.table) >= capA {
			// Someone is spoofing a lot of prefixes. Wipe and cool down.
			t.table = make(map[Prefix48]*bucket)
			t.disabledUntil = now.Add(disableFor)
			telemetry.AbuseEmergencyDisables.Inc()
			return
		}
		id := t.allocUserIDLocked()
		b = &bucket{inner: map[Prefix64]*entryData{
			prefix64(ip): {userID: id, lastSeen: now},
		}}
		t.table[p48] = b
		b.inner[prefix64(ip)].counter++
		return
	}

	if b.collapsed {
		b.single.lastSeen = now
		b.single.counter++
		return
	}

	if len(b.inner) < capB {
		p64 := prefix64(ip)
		e, ok := b.inner[p64]
		if !ok {
			e = &entryData{userID: t.allocUserIDLocked(), lastSeen: now}
			b.inner[p64] = e
		}
		e.lastSeen = now
		e.counter++
		return
	}

	// Inner map is full: collapse to the entry with the smallest user ID.
	var survivor *entryData
	for _, e := range b.inner {
		if survivor == nil || e.userID < survivor.userID {
			survivor = e
		}
	}
	b.collapsed = true
	b.inner = nil
	b.single = entryData{userID: survivor.userID, counter: 0, lastSeen: now}
}

// Lookup returns the user ID currently associated with ip, without
// mutating the table or triggering any migration. Used to answer
// "who am I" status queries.
func (t *Tracker) Lookup(ip net.IP) (UserID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.table[prefix48(ip)]
	if !ok {
		return 0, false
	}
	if b.collapsed {
		return b.single.userID, true
	}
	e, ok := b.inner[prefix64(ip)]
	if !ok {
		return 0, false
	}
	return e.userID, true
}

// DrainCounters returns the per-user packet counts accumulated since the
// last drain and resets them to zero, for per-second PPS publication.
func (t *Tracker) DrainCounters() map[UserID]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[UserID]uint64)
	for _, b := range t.table {
		if b.collapsed {
			out[b.single.userID] = b.counter()
			b.single.counter = 0
			continue
		}
		for _, e := range b.inner {
			out[e.userID] = e.counter
			e.counter = 0
		}
	}
	return out
}

func (b *bucket) counter() uint64 { return b.single.counter }

// Reap deletes entries idle for longer than idleReap. Intended to be
// called periodically, not on the hot packet path.
func (t *Tracker) Reap(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p48, b := range t.table {
		if b.collapsed {
			if now.Sub(b.single.lastSeen) >= idleReap {
				delete(t.table, p48)
			}
			continue
		}
		for p64, e := range b.inner {
			if now.Sub(e.lastSeen) >= idleReap {
				delete(b.inner, p64)
			}
		}
		if len(b.inner) == 0 {
			delete(t.table, p48)
		}
	}
}

// Size returns the current number of tracked /48 entries.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.table)
}

func (t *Tracker) isDisabledLocked(now time.Time) bool {
	if t.disabledUntil.IsZero() {
		return false
	}
	if now.Before(t.disabledUntil) {
		return true
	}
	t.disabledUntil = time.Time{}
	return false
}

func (t *Tracker) allocUserIDLocked() UserID {
	id := t.nextUserID
	t.nextUserID++
	return id
}
