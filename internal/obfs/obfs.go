// Package obfs implements the "scramble" packet obfuscation understood by
// patched OpenVPN servers. It is applied to every raw link packet, outside
// of the packet codec.
package obfs

import (
	"errors"
	"fmt"
)

// ErrBadMethod is returned for an unknown method or a missing mask.
var ErrBadMethod = errors.New("obfs: bad scramble method")

// Method is a scramble method.
type Method string

const (
	// MethodNone leaves packets untouched.
	MethodNone = Method("")

	// MethodXORMask XORs each byte with the mask, cycling over it.
	MethodXORMask = Method("xormask")

	// MethodXORPtrPos XORs each byte with its position plus one.
	MethodXORPtrPos = Method("xorptrpos")

	// MethodReverse reverses all bytes but the first.
	MethodReverse = Method("reverse")

	// MethodObfuscate combines all of the above.
	MethodObfuscate = Method("obfuscate")
)

// NeedsMask returns true for the methods that take a mask argument.
func (m Method) NeedsMask() bool {
	return m == MethodXORMask || m == MethodObfuscate
}

// Obfuscator scrambles outgoing packets and unscrambles incoming ones.
type Obfuscator struct {
	method Method
	mask   []byte
}

// New returns an [Obfuscator] for the given method.
func New(method Method, mask []byte) (*Obfuscator, error) {
	switch method {
	case MethodNone, MethodXORPtrPos, MethodReverse:
	case MethodXORMask, MethodObfuscate:
		if len(mask) == 0 {
			return nil, fmt.Errorf("%w: %s needs a mask", ErrBadMethod, method)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMethod, string(method))
	}
	o := &Obfuscator{method: method}
	if len(mask) > 0 {
		o.mask = append([]byte{}, mask...)
	}
	return o, nil
}

// Enabled returns false when the obfuscator is a no-op.
func (o *Obfuscator) Enabled() bool {
	return o != nil && o.method != MethodNone
}

// Apply scrambles an outgoing packet. The input is not modified.
func (o *Obfuscator) Apply(p []byte) []byte {
	if !o.Enabled() {
		return p
	}
	out := append([]byte{}, p...)
	switch o.method {
	case MethodXORMask:
		xorMask(out, o.mask)
	case MethodXORPtrPos:
		xorPtrPos(out)
	case MethodReverse:
		reverse(out)
	case MethodObfuscate:
		xorPtrPos(out)
		reverse(out)
		xorPtrPos(out)
		xorMask(out, o.mask)
	}
	return out
}

// Unapply unscrambles an incoming packet. The input is not modified.
func (o *Obfuscator) Unapply(p []byte) []byte {
	if !o.Enabled() {
		return p
	}
	out := append([]byte{}, p...)
	switch o.method {
	case MethodXORMask:
		xorMask(out, o.mask)
	case MethodXORPtrPos:
		xorPtrPos(out)
	case MethodReverse:
		reverse(out)
	case MethodObfuscate:
		xorMask(out, o.mask)
		xorPtrPos(out)
		reverse(out)
		xorPtrPos(out)
	}
	return out
}

// ApplyAll scrambles a batch of outgoing packets.
func (o *Obfuscator) ApplyAll(packets [][]byte) [][]byte {
	if !o.Enabled() {
		return packets
	}
	out := make([][]byte, len(packets))
	for i, p := range packets {
		out[i] = o.Apply(p)
	}
	return out
}

// UnapplyAll unscrambles a batch of incoming packets.
func (o *Obfuscator) UnapplyAll(packets [][]byte) [][]byte {
	if !o.Enabled() {
		return packets
	}
	out := make([][]byte, len(packets))
	for i, p := range packets {
		out[i] = o.Unapply(p)
	}
	return out
}

func xorMask(b, mask []byte) {
	for i := range b {
		b[i] ^= mask[i%len(mask)]
	}
}

func xorPtrPos(b []byte) {
	for i := range b {
		b[i] ^= byte(i + 1)
	}
}

// reverse keeps the first byte, which carries the opcode, in place.
func reverse(b []byte) {
	if len(b) < 3 {
		return
	}
	for i, j := 1, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
