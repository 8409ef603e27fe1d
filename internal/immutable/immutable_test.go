package immutable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeInstallerPinsAndUnpins(t *testing.T) {
	f := NewFakeInstaller()
	require.NoError(t, f.Install("/jail/etc/cage-policy", []byte("allow: api.example.org\n")))
	require.True(t, f.Pinned("/jail/etc/cage-policy"))
	require.Equal(t, []byte("allow: api.example.org\n"), f.Installed("/jail/etc/cage-policy"))

	require.NoError(t, f.Uninstall("/jail/etc/cage-policy"))
	require.False(t, f.Pinned("/jail/etc/cage-policy"))
}

func TestFakeInstallerUnsupportedStillWrites(t *testing.T) {
	f := NewFakeInstaller()
	f.Unsupported = true
	err := f.Install("/jail/etc/cage-policy", []byte("x"))
	require.ErrorIs(t, err, ErrUnsupported)
	require.NotNil(t, f.Installed("/jail/etc/cage-policy"), "content lands even when the attribute does not")
	require.False(t, f.Pinned("/jail/etc/cage-policy"))
}

func TestFakeInstallerHardFailure(t *testing.T) {
	f := NewFakeInstaller()
	f.FailWith = errors.New("disk full")
	require.Error(t, f.Install("/p", []byte("x")))
	require.NotErrorIs(t, f.Install("/p", []byte("x")), ErrUnsupported)
}
