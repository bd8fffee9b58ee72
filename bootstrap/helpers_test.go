package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"attackmatrix/core"
)

func TestGenerateSecurePassword(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		minLength int
	}{
		{"default length", 16, 16},
		{"24 characters", 24, 24},
		{"short length enforces minimum", 8, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			password, err := GenerateSecurePassword(tt.length)
			require.NoError(t, err)
			assert.Len(t, password, tt.minLength)
			assert.NoError(t, core.ValidatePassword(password, tt.minLength))
		})
	}

	t.Run("generates unique passwords", func(t *testing.T) {
		passwords := make(map[string]bool)
		for i := 0; i < 100; i++ {
			p, err := GenerateSecurePassword(24)
			require.NoError(t, err)
			assert.False(t, passwords[p], "duplicate password")
			passwords[p] = true
		}
	})
}

func TestClassifyRedisError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil", nil, ""},
		{"refused", errors.New("dial tcp 127.0.0.1:6379: connect: Connection Refused"), "Connection refused"},
		{"dns", errors.New("dial tcp: lookup redis-host: no such host"), "Cannot resolve hostname"},
		{"auth", errors.New("WRONGPASS invalid username-password pair"), "Authentication failed"},
		{"other", errors.New("something odd"), "Failed to connect to Redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ClassifyRedisError(tt.err, "localhost:6379")
			if tt.contains == "" {
				assert.Empty(t, msg)
				return
			}
			assert.Contains(t, msg, tt.contains)
			assert.Contains(t, msg, "localhost:6379")
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		err      string
		contains string
	}{
		{"open db: Permission Denied", "Permission denied"},
		{"database is locked (5) (SQLITE_BUSY)", "locked by another process"},
		{"write: no space left on device", "Disk full"},
		{"database disk image is malformed", "corrupted"},
		{"open /x/y.db: no such file or directory", "path does not exist"},
		{"attempt to write a read-only database", "read-only"},
		{"unexpected", "Failed to initialize SQLite"},
	}

	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			msg := ClassifySQLiteError(errors.New(tt.err), "data/test.db")
			assert.Contains(t, msg, tt.contains)
			assert.True(t, strings.Contains(msg, "test.db"))
		})
	}

	assert.Empty(t, ClassifySQLiteError(nil, "data/test.db"))
}

func TestEnsureDataDirectories(t *testing.T) {
	base := filepath.Join(t.TempDir(), "data")
	dirs := DataDirectories{
		Base:   base,
		SQLite: filepath.Join(base, "db", "attackmatrix.db"),
	}

	require.NoError(t, EnsureDataDirectories(dirs, zaptest.NewLogger(t).Sugar()))

	for _, dir := range []string{base, filepath.Join(base, "db")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		_, err = os.Stat(filepath.Join(dir, ".attackmatrix_write_test"))
		assert.True(t, os.IsNotExist(err), "write probe must be removed")
	}
}

func TestEnsureDataDirectories_NotWritable(t *testing.T) {
	// a regular file where a directory is expected
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	dirs := DataDirectories{Base: filepath.Join(blocker, "data"), SQLite: filepath.Join(blocker, "data", "a.db")}
	err := EnsureDataDirectories(dirs, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Remediation")
}

func TestSetLogLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLogLevel("debug") })

	require.NoError(t, SetLogLevel("warn"))
	assert.Equal(t, "warn", logLevel.Level().String())

	require.NoError(t, SetLogLevel(""))
	assert.Equal(t, "warn", logLevel.Level().String())

	assert.Error(t, SetLogLevel("chatty"))
}
