// Package snowflake derives entry timestamps from Discord message IDs.
// The message snowflake is the canonical T0 for a call: the moment the
// call was posted, independent of when this system first saw it.
package snowflake

import (
	"errors"
	"strconv"
)

// discordEpoch is 2015-01-01 00:00:00 UTC in Unix milliseconds.
const discordEpoch = 1420070400000

// ErrInvalidSnowflake is returned for IDs that are not positive integers.
var ErrInvalidSnowflake = errors.New("invalid snowflake ID")

// ToUnixMs converts a Discord snowflake ID to a Unix-millisecond timestamp.
func ToUnixMs(id string) (int64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return 0, ErrInvalidSnowflake
	}
	return int64(n>>22) + discordEpoch, nil
}
