package util

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, SetupLogging(false, 1, false))
	require.Equal(t, log.InfoLevel, log.GetLevel())

	require.NoError(t, SetupLogging(true, 1, false))
	require.Equal(t, log.ErrorLevel, log.GetLevel())

	require.NoError(t, SetupLogging(false, 2, true))
	require.Equal(t, log.DebugLevel, log.GetLevel())

	require.NoError(t, SetupLogging(false, 3, true))
	require.Equal(t, log.TraceLevel, log.GetLevel())

	require.Error(t, SetupLogging(true, 2, true))
	require.Error(t, SetupLogging(false, 4, true))
}

func TestInfoFormatter(t *testing.T) {
	f := new(infoFormatter)

	entry := log.NewEntry(log.New())
	entry.Level = log.InfoLevel
	entry.Message = "hello"

	out, err := f.Format(entry)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(out))

	entry = entry.WithField("cycle", "x")
	entry.Level = log.InfoLevel
	entry.Message = "hello"
	out, err = f.Format(entry)
	require.NoError(t, err)
	require.Contains(t, string(out), "cycle=x")
}
