package connection

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaltedHash(t *testing.T) {
	salt := []byte{0xde, 0xad, 0xbe, 0xef}
	want := sha256.Sum256([]byte("secretDEADBEEF"))
	require.Equal(t, want[:], saltedHash("secret", salt))
}

func TestRandomPassword(t *testing.T) {
	a, err := randomPassword(passwordLength)
	require.NoError(t, err)
	require.Len(t, a, passwordLength)
	for _, r := range a {
		require.True(t, strings.ContainsRune(passwordChars, r))
	}

	b, err := randomPassword(passwordLength)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
