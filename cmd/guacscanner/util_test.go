package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addScanFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestEnvVar(t *testing.T) {
	require.Equal(t, "GUACSCANNER_VPC_ID", envVar("vpc-id"))
	require.Equal(t, "GUACSCANNER_PRIVATE_SSH_KEY_FILE", envVar("private-ssh-key-file"))
}

func TestResolverPrecedence(t *testing.T) {
	file := fileConfig{"postgres-host": "from-file", "postgres-db": "file-db", "region": "eu-west-1"}

	r := resolver{flags: testFlags(t), file: file}
	require.Equal(t, "from-file", r.getStringValue("postgres-host"))
	require.Equal(t, "guacscanner-", r.getStringValue("prefix"))

	t.Setenv("GUACSCANNER_POSTGRES_HOST", "from-env")
	require.Equal(t, "from-env", r.getStringValue("postgres-host"))

	r = resolver{flags: testFlags(t, "--postgres-host", "from-flag"), file: file}
	require.Equal(t, "from-flag", r.getStringValue("postgres-host"))
	require.Equal(t, "file-db", r.getStringValue("postgres-db"))
}

func TestResolverFlagSetToDefaultStillWins(t *testing.T) {
	r := resolver{flags: testFlags(t, "--postgres-host", "postgres"), file: fileConfig{"postgres-host": "from-file"}}
	require.Equal(t, "postgres", r.getStringValue("postgres-host"))
}

func TestGetIntValue(t *testing.T) {
	r := resolver{flags: testFlags(t), file: fileConfig{"postgres-port": 6432}}
	port, err := r.getIntValue("postgres-port")
	require.NoError(t, err)
	require.Equal(t, 6432, port)

	t.Setenv("GUACSCANNER_RETRIES", "many")
	_, err = r.getIntValue("retries")
	require.Error(t, err)
	require.Equal(t, exitConfig, exitCode(err))
}

func TestGetBoolValue(t *testing.T) {
	r := resolver{flags: testFlags(t)}
	require.False(t, r.getBoolValue("oneshot"))

	for value, expected := range map[string]bool{"0": false, "false": false, "FALSE": false, "1": true, "true": true, "yes": true} {
		t.Setenv("GUACSCANNER_ONESHOT", value)
		require.Equal(t, expected, r.getBoolValue("oneshot"), value)
	}

	r = resolver{flags: testFlags(t, "--oneshot")}
	t.Setenv("GUACSCANNER_ONESHOT", "false")
	require.True(t, r.getBoolValue("oneshot"))

	r = resolver{flags: testFlags(t), file: fileConfig{"dry-run": true}}
	require.True(t, r.getBoolValue("dry-run"))
}

func TestGetDurationValue(t *testing.T) {
	r := resolver{flags: testFlags(t)}
	d, err := r.getDurationValue("sleep")
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	r = resolver{flags: testFlags(t, "--sleep", "90")}
	d, err = r.getDurationValue("sleep")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	r = resolver{flags: testFlags(t, "--sleep", "soon")}
	_, err = r.getDurationValue("sleep")
	require.Error(t, err)
}

func TestGetStringsValue(t *testing.T) {
	r := resolver{flags: testFlags(t)}
	require.Empty(t, r.getStringsValue("tag"))
	require.Equal(t, []string{`^guacamole-.*$`, `^nessus-.*$`, `^samba-.*$`}, r.getStringsValue("ami-skip-regex"))

	r = resolver{flags: testFlags(t), file: fileConfig{"tag": []interface{}{"guacamole", "team=red"}}}
	require.Equal(t, []string{"guacamole", "team=red"}, r.getStringsValue("tag"))

	t.Setenv("GUACSCANNER_TAG", "a, b=c,")
	require.Equal(t, []string{"a", "b=c"}, r.getStringsValue("tag"))

	r = resolver{flags: testFlags(t, "--tag", "x", "--tag", "y=z")}
	require.Equal(t, []string{"x", "y=z"}, r.getStringsValue("tag"))
}

func TestGetSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postgres-password")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0600))

	r := resolver{flags: testFlags(t, "--postgres-password-file", path)}
	v, err := r.getSecret("postgres-password")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)

	r = resolver{flags: testFlags(t, "--postgres-password", "inline", "--postgres-password-file", path)}
	v, err = r.getSecret("postgres-password")
	require.NoError(t, err)
	require.Equal(t, "inline", v)

	r = resolver{flags: testFlags(t, "--postgres-password-file", filepath.Join(dir, "missing"))}
	_, err = r.getSecret("postgres-password")
	require.Error(t, err)
	require.Equal(t, exitConfig, exitCode(err))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0600))
	r = resolver{flags: testFlags(t, "--postgres-password-file", empty)}
	_, err = r.getSecret("postgres-password")
	require.Error(t, err)
}
