package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"debug":    LevelDebug,
		"INFO":     LevelInfo,
		"":         LevelInfo,
		"Warn":     LevelWarning,
		"WARNING":  LevelWarning,
		"critical": LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoErrorf(t, err, "level %q", name)
		require.Equalf(t, want, got, "level %q", name)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	require.True(t, New("test", LevelDebug).DebugEnabled())
	require.False(t, New("test", LevelInfo).DebugEnabled())
	require.False(t, FromLevelName("test", "nonsense").DebugEnabled())
	require.Equal(t, LevelWarning, FromLevelName("test", "warning").Level())
	require.Equal(t, "[op] x=1", New("op", LevelInfo).format("x=%d", 1))
	require.Equal(t, "DEBUG", LevelDebug.String())
}
