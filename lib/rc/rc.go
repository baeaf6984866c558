// Package rc defines the RouterID and RouterContact data model: the
// signed descriptor binding a router's public key to its reachable
// addresses, and the canonical CBOR codec used to store and transmit it.
package rc

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/oxenmesh/meshnet/lib/errkind"
)

var log = logger.GetGoI2PLogger()

// ID is the 32-byte Ed25519 public key that canonically identifies a
// router or hidden-service host. It is hashable and totally ordered.
type ID [32]byte

// Hash returns a fast, non-cryptographic digest of the ID for use as a
// map/set key in hot paths (session tables, pending-lookup maps).
func (id ID) Hash() uint64 {
	return xxhash.Sum64(id[:])
}

// Less gives IDs a total order (lexicographic over raw bytes), used for
// deterministic peer selection and as a Kademlia-adjacent tie-breaker.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IDFromHex decodes a 64-character hex string into an ID, used for
// config-supplied RouterIDs (strict_connect entries, bootstrap seeds).
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errkind.New(errkind.Invariant, oops.Wrapf(err, "decode hex RouterID"))
	}
	if len(b) != len(id) {
		return id, errkind.Errorf(errkind.Invariant, "RouterID hex decodes to %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i*2] = hextable[id[i]>>4]
		buf[i*2+1] = hextable[id[i]&0x0f]
	}
	return string(buf) + "…"
}

// Address is one reachable network endpoint a router advertises.
type Address struct {
	Transport string `cbor:"1,keyasint"`
	Host      string `cbor:"2,keyasint"`
	Port      uint16 `cbor:"3,keyasint"`
}

// Contact is the signed descriptor binding a RouterID to its reachable
// addresses, declared transport versions, an expiration timestamp, and
// whether it is a public router. An RC is accepted only if its
// signature verifies under its RouterID, it is not expired, and (for
// service nodes) its RouterID is in the current whitelist — see
// lib/rclookup.CheckRC.
type Contact struct {
	RouterID         ID        `cbor:"1,keyasint"`
	Addresses        []Address `cbor:"2,keyasint"`
	TransportVersion uint32    `cbor:"3,keyasint"`
	Expiration       int64     `cbor:"4,keyasint"` // unix seconds, fixed-width for round-trip stability
	IsPublicRouter   bool      `cbor:"5,keyasint"`
	Signature        []byte    `cbor:"6,keyasint"`
}

// signingBytes returns the canonical encoding of every field except the
// signature itself, which is what gets signed/verified.
func (c Contact) signingBytes() ([]byte, error) {
	unsigned := c
	unsigned.Signature = nil
	return encMode.Marshal(unsigned)
}

// Sign populates c.Signature by signing the contact's canonical
// encoding with priv. priv must correspond to c.RouterID.
func (c *Contact) Sign(priv ed25519.PrivateKey) error {
	msg, err := c.signingBytes()
	if err != nil {
		return errkind.New(errkind.Invariant, oops.Wrapf(err, "encode RC for signing"))
	}
	c.Signature = ed25519.Sign(priv, msg)
	return nil
}

// VerifySignature checks the RC's signature against its own RouterID.
func (c Contact) VerifySignature() bool {
	if len(c.Signature) != ed25519.SignatureSize {
		return false
	}
	msg, err := c.signingBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(c.RouterID[:]), msg, c.Signature)
}

// ExpiresAt returns the RC's expiration as a time.Time.
func (c Contact) ExpiresAt() time.Time {
	return time.Unix(c.Expiration, 0).UTC()
}

// IsExpired reports whether the RC's expiration is at or before now.
func (c Contact) IsExpired(now time.Time) bool {
	return !c.ExpiresAt().After(now)
}

// encMode is a deterministic CBOR encoding mode: canonical map key
// ordering so encode(decode(encode(x))) == encode(x), per the round-trip
// invariant.
var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes c to its canonical wire form.
func Encode(c Contact) ([]byte, error) {
	b, err := encMode.Marshal(c)
	if err != nil {
		return nil, errkind.New(errkind.Invariant, oops.Wrapf(err, "encode RouterContact"))
	}
	return b, nil
}

// Decode parses a Contact from its canonical wire form.
func Decode(b []byte) (Contact, error) {
	var c Contact
	if err := cbor.Unmarshal(b, &c); err != nil {
		log.WithError(err).Debug("malformed RouterContact on decode")
		return Contact{}, errkind.New(errkind.Invariant, oops.Wrapf(err, "decode RouterContact"))
	}
	return c, nil
}
