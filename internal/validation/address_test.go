package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePoolAddress(t *testing.T) {
	cases := []struct {
		name    string
		address string
		wantErr error
	}{
		{"valid", "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", nil},
		{"empty", "", ErrInvalidPoolAddress},
		{"too short", "1abc", ErrPoolAddressTooShort},
		{"too long", "1" + string(make([]byte, 40)), ErrPoolAddressTooLong},
		{"bad prefix", "3BoatSLRHtKNngkdXEeobR76b53LETtpyT", ErrPoolAddressBadPrefix},
		{"bad charset", "1Boat0LRHtKNngkdXEeobR76b53LETtp", ErrPoolAddressBadCharset},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePoolAddress(tc.address)
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestParseLogin(t *testing.T) {
	addr, worker := ParseLogin("1BoatSLRHtKNngkdXEeobR76b53LETtpyT.rig1")
	require.Equal(t, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", addr)
	require.Equal(t, "rig1", worker)

	addr, worker = ParseLogin("1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	require.Equal(t, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", addr)
	require.Equal(t, "", worker)
}
