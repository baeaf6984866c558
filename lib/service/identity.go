package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"

	"github.com/samber/oops"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/introset"
)

// Identity is a hidden service's long-term Ed25519 keypair. Its public
// half, taken as raw bytes, is the service's Address.
type Identity struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// Address returns the hidden-service address this identity publishes
// under.
func (id *Identity) Address() introset.Address {
	var a introset.Address
	copy(a[:], id.Pub)
	return a
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errkind.New(errkind.Fatal, oops.Wrapf(err, "generate service identity"))
	}
	return &Identity{Priv: priv, Pub: pub}, nil
}

// LoadOrGenerateIdentity reads a 64-byte Ed25519 seed+pub blob from
// path, generating and persisting a fresh one if the file is absent. A
// short or corrupt file is a Fatal error — the daemon does not guess at
// recovering a mangled identity key (spec §7: "identity key unreadable
// on startup").
func LoadOrGenerateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errkind.Errorf(errkind.Fatal, "identity key at %s has wrong length %d", path, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		return &Identity{Priv: priv, Pub: priv.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errkind.New(errkind.Fatal, oops.Wrapf(err, "read identity key at %s", path))
	}

	id, genErr := GenerateIdentity()
	if genErr != nil {
		return nil, genErr
	}
	if writeErr := os.WriteFile(path, id.Priv, 0o600); writeErr != nil {
		return nil, errkind.New(errkind.Fatal, oops.Wrapf(writeErr, "persist new identity key at %s", path))
	}
	return id, nil
}
