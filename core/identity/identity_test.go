package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte(CanonicalMessage("job_abc", "wallet1", "2025-01-01T00:00:00Z"))
	sig := Sign(msg, kp.Private)
	assert.True(t, Verify(msg, sig, kp.Public))
	assert.Equal(t, sig, Sign(msg, kp.Private), "signatures must be deterministic")

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(msg, sig, other.Public))
}

func TestVerifyRejectsSingleCharacterMutations(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	ts, sig := kp.SignProof("job_0123456789abcdef_1700000000000", "Wa11et", time.Now())
	msg := CanonicalMessage("job_0123456789abcdef_1700000000000", "Wa11et", ts)
	require.True(t, VerifyBase58(msg, sig, kp.PublicKeyBase58()))

	for i := 0; i < len(msg); i++ {
		b := []byte(msg)
		b[i] ^= 0x01
		assert.False(t, VerifyBase58(string(b), sig, kp.PublicKeyBase58()), "mutation at %d accepted", i)
	}
}

func TestVerifyMalformedInput(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	assert.False(t, Verify([]byte("m"), []byte("short"), kp.Public))
	assert.False(t, Verify([]byte("m"), make([]byte, 64), []byte{1, 2, 3}))
	assert.False(t, VerifyBase58("m", "not-base58-0OIl", kp.PublicKeyBase58()))
	assert.False(t, VerifyBase58("m", "", ""))
}

func TestFromSecretRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	restored, err := FromSecret(kp.SecretBase58())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyBase58(), restored.PublicKeyBase58())

	_, err = FromSecret("abc")
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"2025-03-01T12:30:00Z":       time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		"2025-03-01T12:30:00.123456": time.Date(2025, 3, 1, 12, 30, 0, 123456000, time.UTC),
		"2025-03-01T12:30:00":        time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		"2025-03-01T14:30:00+02:00":  time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		"not-a-time":                 {},
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in)
		if want.IsZero() {
			assert.Error(t, err, in)
			continue
		}
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}
}

func TestCredentialsFile(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "nested", DefaultCredentialsFile)

	require.NoError(t, SaveCredentials(path, NewCredentials("machine-1", kp)))
	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "machine-1", creds.MachineUUID)

	loaded, err := creds.Keypair()
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyBase58(), loaded.PublicKeyBase58())
}
