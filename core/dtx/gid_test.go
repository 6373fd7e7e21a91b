package dtx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormAndCrackGID(t *testing.T) {
	gid := FormGID(1724400000, 42)
	require.Equal(t, "1724400000-0000000042", gid)

	timestamp, distribXid, err := CrackGID(gid)
	require.NoError(t, err)
	require.Equal(t, uint64(1724400000), timestamp)
	require.Equal(t, uint64(42), distribXid)
}

func TestCrackGIDRejectsMalformed(t *testing.T) {
	for _, gid := range []string{"", "no-separator-here-x", "-5", "5-", "a-b", "12x-34"} {
		_, _, err := CrackGID(gid)
		require.ErrorIs(t, err, ErrMalformedGID, "gid %q", gid)
	}
}

func TestValidateGIDBounds(t *testing.T) {
	require.NoError(t, ValidateGID("anything goes, not just cracked gids"))
	require.NoError(t, ValidateGID(strings.Repeat("g", MaxGIDLength)))
	require.ErrorIs(t, ValidateGID(strings.Repeat("g", MaxGIDLength+1)), ErrGIDTooLong)
	require.ErrorIs(t, ValidateGID(""), ErrMalformedGID)
}
