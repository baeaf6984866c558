// Package introset implements the hidden-service IntroSet: the signed,
// versioned rendezvous record a Service Endpoint publishes so remote
// peers can find a usable entry point into it, plus the encrypted
// envelope form used on the wire and in the DHT.
package introset

import (
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/oops"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/rc"
	"github.com/oxenmesh/meshnet/lib/util/time/skew"
)

// MaxSetExpirationSkew bounds how far an IntroSet's expiration may sit in
// the past or future relative to NTP-corrected now before it's rejected
// outright as stale or forged, independent of the plain IsExpired check.
const MaxSetExpirationSkew = 6 * time.Hour

// Address is a 32-byte hidden-service address: the public key of the
// service's long-term identity.
type Address [32]byte

func (a Address) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i*2] = hextable[a[i]>>4]
		buf[i*2+1] = hextable[a[i]&0x0f]
	}
	return string(buf) + "…"
}

// AddressFromHex decodes a 64-character hex string into an Address, used
// to resolve a .snode-TLD name directly from its label rather than
// through LNS (spec §4.6 distinguishes the two TLDs precisely because
// one needs no name-service round trip at all).
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, errkind.New(errkind.Invariant, oops.Wrapf(err, "decode hex Address"))
	}
	if len(b) != len(a) {
		return a, errkind.Errorf(errkind.Invariant, "Address hex decodes to %d bytes, want %d", len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

// Introduction is one usable entry point into a hidden service: a
// router to reach it through, the path identifying which circuit at
// that router leads to the service, and when that path expires.
type Introduction struct {
	Router     rc.ID  `cbor:"1,keyasint"`
	PathID     [16]byte `cbor:"2,keyasint"`
	Expiration int64  `cbor:"3,keyasint"` // unix seconds
}

// ExpiresAt returns Expiration as a time.Time.
func (i Introduction) ExpiresAt() time.Time {
	return time.Unix(i.Expiration, 0).UTC()
}

// IsExpired reports whether i is unusable because its path has expired
// as of now. Callers additionally consult a bad-intro cache (see
// lib/outbound) for introductions marked bad out-of-band.
func (i Introduction) IsExpired(now time.Time) bool {
	return !i.ExpiresAt().After(now)
}

// Set is a hidden service's published rendezvous record: the owning
// address, its current usable Introductions, a monotonically
// increasing version, and an overall expiration. Versions must be
// strictly increasing for a given address; the newer one supersedes
// (see OtherIsNewer).
type Set struct {
	Owner         Address        `cbor:"1,keyasint"`
	Introductions []Introduction `cbor:"2,keyasint"`
	Version       uint64         `cbor:"3,keyasint"`
	Expiration    int64          `cbor:"4,keyasint"`
	Signature     []byte         `cbor:"5,keyasint"`
}

// ExpiresAt returns the IntroSet's overall expiration.
func (s Set) ExpiresAt() time.Time {
	return time.Unix(s.Expiration, 0).UTC()
}

// IsExpired reports whether the IntroSet as a whole has expired.
func (s Set) IsExpired(now time.Time) bool {
	return !s.ExpiresAt().After(now)
}

// UsableIntroductions returns the subset of Introductions that are not
// expired as of now.
func (s Set) UsableIntroductions(now time.Time) []Introduction {
	out := make([]Introduction, 0, len(s.Introductions))
	for _, intro := range s.Introductions {
		if !intro.IsExpired(now) {
			out = append(out, intro)
		}
	}
	return out
}

func (s Set) signingBytes() ([]byte, error) {
	unsigned := s
	unsigned.Signature = nil
	return encMode.Marshal(unsigned)
}

// Sign populates s.Signature by signing the canonical encoding of every
// other field with priv, which must correspond to s.Owner.
func (s *Set) Sign(priv ed25519.PrivateKey) error {
	msg, err := s.signingBytes()
	if err != nil {
		return errkind.New(errkind.Invariant, oops.Wrapf(err, "encode IntroSet for signing"))
	}
	s.Signature = ed25519.Sign(priv, msg)
	return nil
}

// VerifySignature checks s.Signature against s.Owner.
func (s Set) VerifySignature() bool {
	if len(s.Signature) != ed25519.SignatureSize {
		return false
	}
	msg, err := s.signingBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(s.Owner[:]), msg, s.Signature)
}

// Validate reports whether s is trustworthy enough to replace a cached
// IntroSet: a valid signature, not yet expired, and an expiration that
// isn't implausibly skewed from NTP-corrected now (catching a forged or
// clock-skewed publisher rather than a merely outdated one).
func (s Set) Validate() bool {
	if !s.VerifySignature() {
		return false
	}
	now := skew.Now()
	if s.IsExpired(now) {
		return false
	}
	return skew.ValidateTimestampWithSkew(s.ExpiresAt(), MaxSetExpirationSkew) == nil
}

// OtherIsNewer reports whether other supersedes s, per the "versions are
// strictly increasing; the newer one supersedes" invariant.
func (s Set) OtherIsNewer(other Set) bool {
	return other.Version > s.Version
}

// encMode is the same canonical, deterministic CBOR mode lib/rc uses,
// so encode(decode(encode(x))) == encode(x).
var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes s to its canonical wire form.
func Encode(s Set) ([]byte, error) {
	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, errkind.New(errkind.Invariant, oops.Wrapf(err, "encode IntroSet"))
	}
	return b, nil
}

// Decode parses a Set from its canonical wire form.
func Decode(b []byte) (Set, error) {
	var s Set
	if err := cbor.Unmarshal(b, &s); err != nil {
		return Set{}, errkind.New(errkind.Invariant, oops.Wrapf(err, "decode IntroSet"))
	}
	return s, nil
}

// Encrypted is an IntroSet encrypted to its own address: the DHT and
// any relay forwarding it never sees the plaintext Introductions. Its
// Version and Owner are carried in cleartext so "other is newer" can be
// compared without decrypting (spec §3 EncryptedIntroSet invariant).
type Encrypted struct {
	Owner      Address `cbor:"1,keyasint"`
	Version    uint64  `cbor:"2,keyasint"`
	Expiration int64   `cbor:"3,keyasint"`
	Nonce      [24]byte `cbor:"4,keyasint"`
	Ciphertext []byte  `cbor:"5,keyasint"`
}

// OtherIsNewer compares two encrypted envelopes by version alone,
// without decrypting either.
func (e Encrypted) OtherIsNewer(other Encrypted) bool {
	return other.Version > e.Version
}

// EncodeEncrypted/DecodeEncrypted mirror Encode/Decode for the
// encrypted envelope, used for the DHT GotIntro wire form.
func EncodeEncrypted(e Encrypted) ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, errkind.New(errkind.Invariant, oops.Wrapf(err, "encode EncryptedIntroSet"))
	}
	return b, nil
}

func DecodeEncrypted(b []byte) (Encrypted, error) {
	var e Encrypted
	if err := cbor.Unmarshal(b, &e); err != nil {
		return Encrypted{}, errkind.New(errkind.Invariant, oops.Wrapf(err, "decode EncryptedIntroSet"))
	}
	return e, nil
}

// Sealer/Opener are the abstract encrypt-to-self primitives Endpoint
// uses to produce and consume Encrypted envelopes. The concrete AEAD
// construction is out of scope here (spec.md §1 Non-goals: "we do not
// specify the cryptographic primitives themselves").
type Sealer interface {
	// Seal encrypts s to addr, returning the wire envelope.
	Seal(addr Address, s Set) (Encrypted, error)
}

type Opener interface {
	// Open decrypts e, which must have been sealed to addr.
	Open(addr Address, e Encrypted) (Set, error)
}
