package session

import (
	"time"
)

// maxKeyID is the largest key id that fits in the 3-bit header field.
const maxKeyID = 7

// Ring holds the keys of a session: the current (primary) key used for
// data, the key being negotiated, and at most one lame duck that still
// decrypts data sent by the server before it switched keys.
//
// A Ring is not safe for concurrent use.
type Ring struct {
	keys        map[byte]*Key
	current     byte
	negotiation byte
	lameDucks   []byte
}

// NewRing returns an empty [Ring].
func NewRing() *Ring {
	return &Ring{keys: make(map[byte]*Key)}
}

// HardReset disposes all keys and returns a new key 0 in the hardReset
// state, which is both current and negotiating.
func (r *Ring) HardReset(now time.Time) *Key {
	r.DisposeAll()
	k := NewKey(0, ControlStateHardReset, now, false)
	r.keys[k.ID] = k
	r.current = k.ID
	r.negotiation = k.ID
	return k
}

// SoftReset returns a new key in the softReset state, with the id following
// the one being negotiated. Key id 0 is reserved to hard resets.
func (r *Ring) SoftReset(now time.Time) *Key {
	id := (r.negotiation + 1) % (maxKeyID + 1)
	if id == 0 {
		id = 1
	}
	if stale, found := r.keys[id]; found {
		stale.Dispose()
		r.dropLameDuck(id)
	}
	k := NewKey(id, ControlStateSoftReset, now, true)
	r.keys[id] = k
	r.negotiation = id
	return k
}

// Transition makes the negotiated key current. The previous current key
// becomes a lame duck, and only the most recent lame duck is kept.
func (r *Ring) Transition() []*Key {
	if r.current == r.negotiation {
		return nil
	}
	r.lameDucks = append(r.lameDucks, r.current)
	r.current = r.negotiation
	var retired []*Key
	for len(r.lameDucks) > 1 {
		id := r.lameDucks[0]
		r.lameDucks = r.lameDucks[1:]
		if k, found := r.keys[id]; found {
			k.Dispose()
			delete(r.keys, id)
			retired = append(retired, k)
		}
	}
	return retired
}

// Get returns the key with the given id.
func (r *Ring) Get(id byte) (*Key, bool) {
	k, found := r.keys[id]
	return k, found
}

// Current returns the key used to encrypt outgoing data.
func (r *Ring) Current() *Key {
	return r.keys[r.current]
}

// Negotiation returns the key being negotiated. It is the current key once
// the negotiation completed.
func (r *Ring) Negotiation() *Key {
	return r.keys[r.negotiation]
}

// IsRenegotiating returns true while a soft reset key is being negotiated
// next to the current key.
func (r *Ring) IsRenegotiating() bool {
	return r.current != r.negotiation
}

// LameDucks returns the retired keys that are still kept.
func (r *Ring) LameDucks() []*Key {
	var out []*Key
	for _, id := range r.lameDucks {
		if k, found := r.keys[id]; found {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of keys held.
func (r *Ring) Len() int {
	return len(r.keys)
}

// DisposeAll releases every key.
func (r *Ring) DisposeAll() {
	for id, k := range r.keys {
		k.Dispose()
		delete(r.keys, id)
	}
	r.lameDucks = nil
	r.current = 0
	r.negotiation = 0
}

func (r *Ring) dropLameDuck(id byte) {
	keep := r.lameDucks[:0]
	for _, duck := range r.lameDucks {
		if duck != id {
			keep = append(keep, duck)
		}
	}
	r.lameDucks = keep
}
