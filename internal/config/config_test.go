package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "shuffler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTempConfig(t, "id_size: 8\npayload_size: 64\nextra_size: 0\noob_max: 128\n")
	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 128, opts.OOBMax)
	require.Equal(t, 64, opts.PivotCount) // default preserved
	require.Equal(t, 8, opts.IDSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, "id_size: 8\npayload_size: 64\nextra_size: 0\nbogus_option: 1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsOversizedRecord(t *testing.T) {
	opts := Defaults()
	opts.IDSize = 1
	opts.PayloadSize = 300
	require.Error(t, opts.Validate())
}

func TestValidateRejectsZeroIDSize(t *testing.T) {
	opts := Defaults()
	opts.PayloadSize = 16
	require.Error(t, opts.Validate())
}

func TestValidateAcceptsSaneConfig(t *testing.T) {
	opts := Defaults()
	opts.IDSize = 8
	opts.PayloadSize = 64
	require.NoError(t, opts.Validate())
}
