// Package dtx handles the global transaction identifier format used by the
// external distributed-transaction driver: a distributed commit timestamp
// and a distributed xid packed into one bounded string.
package dtx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxGIDLength bounds any client-supplied global identifier, including ones
// not produced by FormGID.
const MaxGIDLength = 200

var (
	ErrGIDTooLong   = errors.New("dtx: global transaction identifier is too long")
	ErrMalformedGID = errors.New("dtx: malformed global transaction identifier")
)

// FormGID packs a distributed timestamp and distributed xid into a gid.
func FormGID(timestamp uint64, distribXid uint64) string {
	return fmt.Sprintf("%d-%010d", timestamp, distribXid)
}

// CrackGID splits a gid produced by FormGID back into its distributed
// timestamp and distributed xid.
func CrackGID(gid string) (timestamp uint64, distribXid uint64, err error) {
	sep := strings.IndexByte(gid, '-')
	if sep <= 0 || sep == len(gid)-1 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedGID, gid)
	}
	timestamp, err = strconv.ParseUint(gid[:sep], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedGID, gid)
	}
	distribXid, err = strconv.ParseUint(gid[sep+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedGID, gid)
	}
	return timestamp, distribXid, nil
}

// ValidateGID checks the length bound that applies to every gid, cracked or
// not.
func ValidateGID(gid string) error {
	if len(gid) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedGID)
	}
	if len(gid) > MaxGIDLength {
		return fmt.Errorf("%w: %d bytes, maximum is %d", ErrGIDTooLong, len(gid), MaxGIDLength)
	}
	return nil
}
