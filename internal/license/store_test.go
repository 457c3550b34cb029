package license

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "hourgate/internal/errors"
	"hourgate/pkg/contracts/domain"
)

func testLicense(key string) *License {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &License{
		Key:            key,
		Customer:       Customer{Name: "Test", Email: "test@example.com"},
		Type:           domain.LicenseTypeStandard,
		Status:         StatusActive,
		Features:       []string{"core", "reports"},
		MaxInstalls:    2,
		HoursRemaining: 10,
		PurchasedHours: 10,
		Installs:       []Install{},
		Created:        now,
		Expires:        now.AddDate(0, 0, 365),
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.json")

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(testLicense("HRG-AAAA-AAAA-AAAA-AAAA")))
	_, err = s.Update("HRG-AAAA-AAAA-AAAA-AAAA", func(l *License) error {
		l.HoursRemaining = 7.5
		l.UsedHours = 2.5
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen from disk; the mutation must have survived.
	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	got, err := reopened.Get("HRG-AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	assert.Equal(t, 7.5, got.HoursRemaining)
	assert.Equal(t, 2.5, got.UsedHours)
	assert.Equal(t, "test@example.com", got.Customer.Email)
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Zero(t, s.Count())
	_, err = s.Get("HRG-AAAA-AAAA-AAAA-AAAA")
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseKeyNotFound)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := OpenFileStore(path)
	assert.Error(t, err)
}

func TestFileStoreUpdateErrorLeavesRecordUntouched(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "licenses.json"))
	require.NoError(t, err)
	require.NoError(t, s.Put(testLicense("HRG-AAAA-AAAA-AAAA-AAAA")))

	boom := errors.New("boom")
	_, err = s.Update("HRG-AAAA-AAAA-AAAA-AAAA", func(l *License) error {
		l.HoursRemaining = 0
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get("HRG-AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.HoursRemaining)
}

func TestFileStoreUpdateUnknownKey(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "licenses.json"))
	require.NoError(t, err)
	_, err = s.Update("HRG-AAAA-AAAA-AAAA-AAAA", func(l *License) error { return nil })
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseKeyNotFound)
}

// Get hands out copies: mutating a returned record must not leak into the
// store.
func TestFileStoreGetReturnsCopy(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "licenses.json"))
	require.NoError(t, err)
	l := testLicense("HRG-AAAA-AAAA-AAAA-AAAA")
	l.Installs = []Install{{MachineID: "m1", SystemInfo: map[string]string{"os": "linux"}}}
	require.NoError(t, s.Put(l))

	got, err := s.Get("HRG-AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	got.HoursRemaining = 0
	got.Features[0] = "mutated"
	got.Installs[0].SystemInfo["os"] = "mutated"

	fresh, err := s.Get("HRG-AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	assert.Equal(t, 10.0, fresh.HoursRemaining)
	assert.Equal(t, "core", fresh.Features[0])
	assert.Equal(t, "linux", fresh.Installs[0].SystemInfo["os"])
}

func TestFileStoreStoreFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(testLicense("HRG-AAAA-AAAA-AAAA-AAAA")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
