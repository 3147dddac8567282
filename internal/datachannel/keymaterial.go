package datachannel

import (
	"errors"
	"fmt"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/model"
)

// ErrBadKeySource is returned when the random material is incomplete.
var ErrBadKeySource = errors.New("bad key source")

// KeySource is the random material exchanged by key-method 2: the client's
// pre-master secret and randoms, and the randoms of the server.
type KeySource struct {
	PreMaster     []byte
	Random1       []byte
	Random2       []byte
	ServerRandom1 []byte
	ServerRandom2 []byte
}

func (ks *KeySource) validate() error {
	switch {
	case len(ks.PreMaster) != 48:
		return fmt.Errorf("%w: pre-master is %d bytes", ErrBadKeySource, len(ks.PreMaster))
	case len(ks.Random1) != 32 || len(ks.Random2) != 32:
		return fmt.Errorf("%w: missing client randoms", ErrBadKeySource)
	case len(ks.ServerRandom1) != 32 || len(ks.ServerRandom2) != 32:
		return fmt.Errorf("%w: missing server randoms", ErrBadKeySource)
	}
	return nil
}

// keyMaterial holds the four 64-byte keys of a data channel key.
type keyMaterial struct {
	cipherKeyLocal  []byte
	hmacKeyLocal    []byte
	cipherKeyRemote []byte
	hmacKeyRemote   []byte
}

// deriveKeyMaterial expands the key source into the data channel keys. The
// session ids bind the keys to this control channel session.
func deriveKeyMaterial(ks *KeySource, localSessionID, remoteSessionID model.SessionID) (*keyMaterial, error) {
	if err := ks.validate(); err != nil {
		return nil, err
	}
	master := prf(
		ks.PreMaster,
		masterSecretLabel,
		ks.Random1,
		ks.ServerRandom1,
		nil, nil,
		masterSecretLength)
	defer bytesx.Zero(master)

	keys := prf(
		master,
		keyExpansionLabel,
		ks.Random2,
		ks.ServerRandom2,
		localSessionID[:],
		remoteSessionID[:],
		keyBlockLength)

	return &keyMaterial{
		cipherKeyLocal:  keys[0:64],
		hmacKeyLocal:    keys[64:128],
		cipherKeyRemote: keys[128:192],
		hmacKeyRemote:   keys[192:256],
	}, nil
}

// swap exchanges the local and remote keys.
func (km *keyMaterial) swap() {
	km.cipherKeyLocal, km.cipherKeyRemote = km.cipherKeyRemote, km.cipherKeyLocal
	km.hmacKeyLocal, km.hmacKeyRemote = km.hmacKeyRemote, km.hmacKeyLocal
}

// clear zeroes out the key material.
func (km *keyMaterial) clear() {
	for _, k := range [][]byte{km.cipherKeyLocal, km.hmacKeyLocal, km.cipherKeyRemote, km.hmacKeyRemote} {
		bytesx.Zero(k)
	}
}
