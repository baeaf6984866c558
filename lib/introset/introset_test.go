package introset

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignedSet(t *testing.T, version uint64, expiry time.Time) (Set, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var addr Address
	copy(addr[:], pub)

	s := Set{
		Owner: addr,
		Introductions: []Introduction{
			{PathID: [16]byte{1, 2, 3}, Expiration: expiry.Unix()},
		},
		Version:    version,
		Expiration: expiry.Unix(),
	}
	require.NoError(t, s.Sign(priv))
	return s, priv
}

func TestSignAndVerify(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(time.Hour))
	assert.True(t, s.VerifySignature())
}

func TestVerifyFailsOnTamperedField(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(time.Hour))
	s.Version = 2
	assert.False(t, s.VerifySignature())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(time.Hour))

	b1, err := Encode(s)
	require.NoError(t, err)

	decoded, err := Decode(b1)
	require.NoError(t, err)

	b2, err := Encode(decoded)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
	assert.True(t, decoded.VerifySignature())
}

func TestOtherIsNewer(t *testing.T) {
	older, _ := newSignedSet(t, 1, time.Now().Add(time.Hour))
	newer, _ := newSignedSet(t, 2, time.Now().Add(time.Hour))

	assert.True(t, older.OtherIsNewer(newer))
	assert.False(t, newer.OtherIsNewer(older))
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	s, _ := newSignedSet(t, 1, now.Add(-time.Minute))
	assert.True(t, s.IsExpired(now))
	assert.Empty(t, s.UsableIntroductions(now))
}

func TestValidateAcceptsFreshSignedSet(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(time.Hour))
	assert.True(t, s.Validate())
}

func TestValidateRejectsBadSignature(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(time.Hour))
	s.Version = 99 // tamper after signing
	assert.False(t, s.Validate())
}

func TestValidateRejectsExpiredSet(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(-time.Minute))
	assert.False(t, s.Validate())
}

func TestValidateRejectsImplausiblyFarFutureExpiration(t *testing.T) {
	s, _ := newSignedSet(t, 1, time.Now().Add(MaxSetExpirationSkew*2))
	assert.False(t, s.Validate())
}

func TestEncryptedOtherIsNewerWithoutDecrypting(t *testing.T) {
	older := Encrypted{Version: 1}
	newer := Encrypted{Version: 2}
	assert.True(t, older.OtherIsNewer(newer))
	assert.False(t, newer.OtherIsNewer(older))
}

func TestEncryptedEncodeDecodeRoundTrip(t *testing.T) {
	e := Encrypted{Version: 3, Ciphertext: []byte("sealed")}
	b1, err := EncodeEncrypted(e)
	require.NoError(t, err)

	decoded, err := DecodeEncrypted(b1)
	require.NoError(t, err)

	b2, err := EncodeEncrypted(decoded)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
