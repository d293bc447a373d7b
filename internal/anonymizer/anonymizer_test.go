package anonymizer

import (
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-service/internal/config"
)

var (
	testKey = []byte("0123456789abcdef0123456789abcdef")
	testIV  = []byte("abcdef9876543210")
)

func newTestAnonymizer(t *testing.T) *Anonymizer {
	t.Helper()
	a, err := New(testKey, testIV)
	require.NoError(t, err)
	return a
}

// decrypt runs the keystream over a hex identifier again, recovering the input.
func decrypt(t *testing.T, a *Anonymizer, identifier string) string {
	t.Helper()
	raw, err := hex.DecodeString(identifier)
	require.NoError(t, err)
	out := make([]byte, len(raw))
	cipher.NewCTR(a.block, a.iv).XORKeyStream(out, raw)
	return string(out)
}

func TestAnonymize_Deterministic(t *testing.T) {
	a := newTestAnonymizer(t)
	first := a.Anonymize("203.0.113.7")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Anonymize("203.0.113.7"))
	}

	other, err := New(testKey, testIV)
	require.NoError(t, err)
	assert.Equal(t, first, other.Anonymize("203.0.113.7"), "same key/iv in a second instance")
}

func TestAnonymize_DistinctInputs(t *testing.T) {
	a := newTestAnonymizer(t)
	seen := make(map[string]string)
	for i := 0; i < 256; i++ {
		addr := fmt.Sprintf("10.0.%d.%d", i/16, i%16)
		id := a.Anonymize(addr)
		prev, dup := seen[id]
		require.False(t, dup, "%s and %s collide", prev, addr)
		seen[id] = addr
	}
}

func TestAnonymize_HexAndHidesInput(t *testing.T) {
	a := newTestAnonymizer(t)
	id := a.Anonymize("192.168.1.20")

	_, err := hex.DecodeString(id)
	require.NoError(t, err)
	assert.Len(t, id, 2*len("192.168.1.20"))
	assert.NotContains(t, id, "192.168.1.20")
}

func TestAnonymize_DependsOnKey(t *testing.T) {
	a := newTestAnonymizer(t)
	b, err := New([]byte("fedcba9876543210fedcba9876543210"), testIV)
	require.NoError(t, err)
	assert.NotEqual(t, a.Anonymize("198.51.100.1"), b.Anonymize("198.51.100.1"))
}

func TestAnonymize_RecoverableWithSecret(t *testing.T) {
	a := newTestAnonymizer(t)
	assert.Equal(t, "2001:db8::1", decrypt(t, a, a.Anonymize("2001:db8::1")))
}

func TestNew_RejectsBadLengths(t *testing.T) {
	_, err := New([]byte("short"), testIV)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = New(testKey, []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidIV)
}

func TestNewFromConfig_HexSecrets(t *testing.T) {
	cfg := &config.Config{Telemetry: config.TelemetryConfig{
		CipherKey: "hex:" + hex.EncodeToString(testKey),
		CipherIV:  "hex:" + hex.EncodeToString(testIV),
	}}
	fromHex, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, newTestAnonymizer(t).Anonymize("10.1.1.1"), fromHex.Anonymize("10.1.1.1"))

	cfg.Telemetry.CipherIV = "hex:zz"
	_, err = NewFromConfig(cfg)
	assert.ErrorIs(t, err, ErrInvalidIV)
}

func TestAnonymize_ConcurrentUse(t *testing.T) {
	a := newTestAnonymizer(t)
	want := a.Anonymize("172.16.0.9")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, a.Anonymize("172.16.0.9"))
		}()
	}
	wg.Wait()
}
