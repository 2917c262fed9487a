package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathPerPrinter(t *testing.T) {
	assert.Equal(t, "/run/printerctl-192.168.1.50_8899.pid", pid.Path("/run", "192.168.1.50:8899"))
	assert.Equal(t, "/run/printerctl-fe80__1_8899.pid", pid.Path("/run", "[fe80::1]:8899"))
	assert.NotEqual(t, pid.Path("/run", "10.0.0.1:8899"), pid.Path("/run", "10.0.0.2:8899"))
	assert.Equal(t, os.TempDir(), filepath.Dir(pid.Path("", "printer:8899")))
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printerctl.pid")

	f, err := pid.Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, f.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, f.Release())
}

func TestAcquireRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printerctl.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))

	_, err := pid.Acquire(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getppid()), string(data))
}

func TestAcquireReclaimsStaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead process", "2147483000"},
		{"garbage", "not a pid"},
		{"empty", ""},
		{"negative", "-4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "printerctl.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			f, err := pid.Acquire(path)
			require.NoError(t, err)
			defer f.Release()

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
		})
	}
}

func TestReleaseLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printerctl.pid")

	f, err := pid.Acquire(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))
	require.NoError(t, f.Release())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestReleaseNil(t *testing.T) {
	var f *pid.File
	assert.NoError(t, f.Release())
}
