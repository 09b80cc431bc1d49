package cmd

import (
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"southwinds.dev/tome/internal/crypto"
	"testing"
)

// withConfig starts each test from the built-in defaults and a config file in a temp dir
func withConfig(t *testing.T) string {
	t.Helper()

	viper.Reset()
	setDefaults()
	viper.Set("archive.path", t.TempDir())

	file := filepath.Join(t.TempDir(), ".tome.yaml")
	cfgFile, configForce, configArgon2 = file, false, false
	t.Cleanup(func() {
		viper.Reset()
		cfgFile, configForce, configArgon2 = "", false, false
	})
	return file
}

func TestSettingParse(t *testing.T) {
	tests := []struct {
		key     string
		raw     string
		want    interface{}
		wantErr bool
	}{
		{"kdf.algorithm", "argon2id", "argon2id", false},
		{"kdf.algorithm", "md5", nil, true},
		{"kdf.iterations", "200000", 200000, false},
		{"kdf.iterations", "0", nil, true},
		{"kdf.iterations", "many", nil, true},
		{"unlock.rate", "0.5", 0.5, false},
		{"unlock.rate", "-1", nil, true},
		{"unlock.burst", "0", 0, false},
		{"unlock.burst", "-3", nil, true},
		{"memory_lock", "true", true, false},
		{"memory_lock", "sometimes", nil, true},
		{"archive.store_type", "filesystem", "filesystem", false},
		{"archive.store_type", "s3", nil, true},
		{"archive.path", "", nil, true},
		{"log.level", "debug", "debug", false},
		{"log.level", "loud", nil, true},
		{"audit.options.max_size", "0", nil, true},
		{"audit.options.max_backups", "0", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.raw, func(t *testing.T) {
			s, ok := lookupSetting(tt.key)
			require.True(t, ok)

			got, err := s.parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := lookupSetting("audit.type")
	assert.False(t, ok)
}

func TestCheckArchivePath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, checkArchivePath(dir))
	assert.NoError(t, checkArchivePath(filepath.Join(dir, "not-yet")))

	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	err := checkArchivePath(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestOptionsFromConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		withConfig(t)

		options, err := optionsFromConfig()
		require.NoError(t, err)
		assert.Equal(t, crypto.DefaultKDFParams(), options.KDF)
		assert.Zero(t, options.UnlockRate)
		assert.False(t, options.EnableMemoryLock)
		assert.Empty(t, options.UserID)
		assert.Nil(t, options.Logger)
	})

	t.Run("Argon2", func(t *testing.T) {
		withConfig(t)
		viper.Set("kdf.algorithm", "argon2id")

		options, err := optionsFromConfig()
		require.NoError(t, err)
		assert.Equal(t, crypto.Argon2KDFParams(), options.KDF)
	})

	t.Run("Iterations", func(t *testing.T) {
		withConfig(t)
		viper.Set("kdf.iterations", 250000)

		options, err := optionsFromConfig()
		require.NoError(t, err)
		assert.Equal(t, crypto.AlgorithmPBKDF2, options.KDF.Algorithm)
		assert.Equal(t, 250000, options.KDF.Iterations)
	})

	t.Run("RateWithoutBurst", func(t *testing.T) {
		withConfig(t)
		viper.Set("unlock.rate", 2.0)

		options, err := optionsFromConfig()
		require.NoError(t, err)
		assert.Equal(t, 2.0, options.UnlockRate)
		assert.Equal(t, 1, options.UnlockBurst)
		assert.NoError(t, options.Validate())
	})

	t.Run("UnknownAlgorithm", func(t *testing.T) {
		withConfig(t)
		viper.Set("kdf.algorithm", "scrypt")

		_, err := optionsFromConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scrypt")
	})
}

func TestValidateSettings(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		withConfig(t)
		assert.Empty(t, validateSettings())
	})

	t.Run("BadValues", func(t *testing.T) {
		withConfig(t)
		viper.Set("kdf.iterations", -1)
		viper.Set("unlock.burst", -2)
		viper.Set("archive.store_type", "tape")

		problems := validateSettings()
		joined := ""
		for _, p := range problems {
			joined += p + "\n"
		}
		assert.Contains(t, joined, "kdf.iterations")
		assert.Contains(t, joined, "unlock.burst")
		assert.Contains(t, joined, "archive.store_type")
	})

	t.Run("AuditWithoutFile", func(t *testing.T) {
		withConfig(t)
		viper.Set("audit.enabled", true)
		viper.Set("audit.options.file_path", "")

		assert.Contains(t, validateSettings(), "audit.options.file_path is required when the action log is enabled")
	})
}

func TestRunConfigSet(t *testing.T) {
	file := withConfig(t)

	require.NoError(t, runConfigSet(configSetCmd, []string{"kdf.algorithm", "argon2id"}))
	assert.Equal(t, "argon2id", viper.GetString("kdf.algorithm"))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "argon2id")

	err = runConfigSet(configSetCmd, []string{"kdf.iterations", "-5"})
	require.Error(t, err)

	err = runConfigSet(configSetCmd, []string{"audit.type", "syslog"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown setting")

	t.Run("RejectedValueRestored", func(t *testing.T) {
		viper.Set("audit.enabled", true)
		err := runConfigSet(configSetCmd, []string{"audit.options.file_path", ""})
		require.Error(t, err)
		assert.NotEmpty(t, viper.GetString("audit.options.file_path"))
	})
}

func TestRunConfigInit(t *testing.T) {
	file := withConfig(t)

	require.NoError(t, runConfigInit(configInitCmd, nil))
	first, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(first), string(crypto.AlgorithmPBKDF2))
	assert.Contains(t, string(first), "store_type: bolt")

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	err = runConfigInit(configInitCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	configForce, configArgon2 = true, true
	require.NoError(t, runConfigInit(configInitCmd, nil))
	second, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(second), string(crypto.AlgorithmArgon2))
	assert.NotContains(t, string(second), "iterations")

	viper.SetConfigFile(file)
	require.NoError(t, viper.ReadInConfig())
	assert.Empty(t, validateSettings())
}

func TestSettingSource(t *testing.T) {
	withConfig(t)
	assert.Equal(t, "default", settingSource("unlock.burst"))

	t.Setenv("TOME_UNLOCK_BURST", "4")
	assert.Equal(t, "environment", settingSource("unlock.burst"))
}
