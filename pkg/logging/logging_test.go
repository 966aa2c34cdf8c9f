package logging

import (
	"os"
	"path/filepath"
	"testing"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]jww.Threshold{
		"":      jww.LevelInfo,
		"DEBUG": jww.LevelDebug,
		"warn":  jww.LevelWarn,
		"fatal": jww.LevelFatal,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInit_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	closer, err := Init("debug", path)
	require.NoError(t, err)
	defer func() {
		jww.SetStdoutOutput(os.Stdout)
		jww.SetLogThreshold(jww.LevelWarn)
		jww.SetStdoutThreshold(jww.LevelError)
	}()

	jww.INFO.Println("written to file")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "written to file")
}
