package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNamespace(t *testing.T) {
	_, err := NewNamespace("")
	require.Error(t, err)

	_, err = NewNamespace("guac scanner-")
	require.Error(t, err)

	ns, err := NewNamespace(DefaultPrefix)
	require.NoError(t, err)
	require.Equal(t, DefaultPrefix, ns.Prefix())
}

func TestKeyRoundTrip(t *testing.T) {
	ns, err := NewNamespace(DefaultPrefix)
	require.NoError(t, err)

	k := ns.Key("i-0123456789abcdef0")
	require.Equal(t, Key("guacscanner-i-0123456789abcdef0"), k)

	id, ok := ns.InstanceID(k)
	require.True(t, ok)
	require.Equal(t, "i-0123456789abcdef0", id)

	_, ok = ns.InstanceID("other-i-1")
	require.False(t, ok)
	_, ok = ns.InstanceID(Key(DefaultPrefix))
	require.False(t, ok)
}

func TestNameAndParse(t *testing.T) {
	ns, err := NewNamespace(DefaultPrefix)
	require.NoError(t, err)
	k := ns.Key("i-1")

	require.Equal(t, "guacscanner-i-1", ns.Name(k, ""))
	require.Equal(t, "guacscanner-i-1 (web server)", ns.Name(k, " web server "))

	for _, tc := range []struct {
		name    string
		key     Key
		display string
		ok      bool
	}{
		{name: "guacscanner-i-1", key: k, ok: true},
		{name: "guacscanner-i-1 (web server)", key: k, display: "web server", ok: true},
		{name: "guacscanner-i-1 (nested (parens))", key: k, display: "nested (parens)", ok: true},
		{name: "guacscanner-i-1 web server", ok: false},
		{name: "guacscanner-", ok: false},
		{name: "web server (i-1)", ok: false},
		{name: "Guacscanner-i-1", ok: false},
	} {
		key, display, ok := ns.Parse(tc.name)
		require.Equal(t, tc.ok, ok, tc.name)
		require.Equal(t, tc.key, key, tc.name)
		require.Equal(t, tc.display, display, tc.name)
	}
}

func TestOwns(t *testing.T) {
	ns, err := NewNamespace(DefaultPrefix)
	require.NoError(t, err)
	k := ns.Key("i-1")

	require.True(t, ns.owns("guacscanner-i-1", k))
	require.True(t, ns.owns("guacscanner-i-1 (kali)", k))
	require.False(t, ns.owns("guacscanner-i-1 notes", k))
	require.False(t, ns.owns("guacscanner-i-10", k))
	require.False(t, ns.owns("guacscanner-i-1 (kali)", ns.Key("i-2")))
}

func TestEscapeLike(t *testing.T) {
	ns, err := NewNamespace("scan_%\\")
	require.NoError(t, err)
	require.Equal(t, `scan\_\%\\%`, ns.likePattern())
}
