package rc

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignedContact(t *testing.T, expiry time.Time) (Contact, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var id ID
	copy(id[:], pub)

	c := Contact{
		RouterID:         id,
		Addresses:        []Address{{Transport: "ntcp2", Host: "198.51.100.1", Port: 1090}},
		TransportVersion: 1,
		Expiration:       expiry.Unix(),
		IsPublicRouter:   true,
	}
	require.NoError(t, c.Sign(priv))
	return c, priv
}

func TestSignAndVerify(t *testing.T) {
	c, _ := newSignedContact(t, time.Now().Add(time.Hour))
	assert.True(t, c.VerifySignature())
}

func TestVerifyFailsOnTamperedField(t *testing.T) {
	c, _ := newSignedContact(t, time.Now().Add(time.Hour))
	c.Addresses[0].Port = 9999
	assert.False(t, c.VerifySignature())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, _ := newSignedContact(t, time.Now().Add(time.Hour))

	b1, err := Encode(c)
	require.NoError(t, err)

	decoded, err := Decode(b1)
	require.NoError(t, err)
	assert.True(t, decoded.VerifySignature())

	b2, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestIsExpired(t *testing.T) {
	c, _ := newSignedContact(t, time.Now().Add(-time.Minute))
	assert.True(t, c.IsExpired(time.Now()))

	c2, _ := newSignedContact(t, time.Now().Add(time.Hour))
	assert.False(t, c2.IsExpired(time.Now()))
}

func TestIDHashAndLess(t *testing.T) {
	var a, b ID
	a[0] = 1
	b[0] = 2
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestDecodeMalformedIsInvariant(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestIDFromHexRoundTrip(t *testing.T) {
	var want ID
	for i := range want {
		want[i] = byte(i)
	}
	got, err := IDFromHex(hex.EncodeToString(want[:]))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIDFromHexRejectsWrongLength(t *testing.T) {
	_, err := IDFromHex("abcd")
	require.Error(t, err)
}

func TestIDFromHexRejectsNonHex(t *testing.T) {
	_, err := IDFromHex(string(make([]byte, 64)))
	require.Error(t, err)
}
