package exfat

import (
	"time"
)

// exFAT timestamps pack a local date and time into 32 bits at two-second
// resolution, refine it with a 10 ms increment byte, and record the UTC
// offset in 15-minute units with the high bit marking the offset as valid.

const (
	tzOffsetValid = 0x80
	tzUnit        = 15 * time.Minute
)

func encodeTimestamp(t time.Time) (ts uint32, tenMS byte, tz byte) {
	_, offsetSec := t.Zone()
	if offsetSec%(15*60) != 0 {
		// Not representable; store in UTC instead.
		t = t.UTC()
		offsetSec = 0
	}

	year := t.Year()
	if year < 1980 {
		// The epoch of the format; anything earlier clamps.
		return 1 << 21, 0, tzOffsetValid | byte(offsetSec/(15*60))&0x7f
	}
	if year > 2107 {
		year = 2107
	}

	ts = uint32(year-1980) << 25
	ts |= uint32(t.Month()) << 21
	ts |= uint32(t.Day()) << 16
	ts |= uint32(t.Hour()) << 11
	ts |= uint32(t.Minute()) << 5
	ts |= uint32(t.Second() / 2)

	tenMS = byte((t.Second()%2)*100 + t.Nanosecond()/int(10*time.Millisecond))
	tz = tzOffsetValid | byte(offsetSec/(15*60))&0x7f
	return ts, tenMS, tz
}

func decodeTimestamp(ts uint32, tenMS byte, tz byte) time.Time {
	loc := time.UTC
	if tz&tzOffsetValid != 0 {
		// Sign-extend the 7-bit offset.
		units := int(int8(tz<<1) >> 1)
		if units != 0 {
			loc = time.FixedZone("", units*int(tzUnit/time.Second))
		}
	}

	year := 1980 + int(ts>>25)
	month := time.Month((ts >> 21) & 0x0f)
	day := int((ts >> 16) & 0x1f)
	hour := int((ts >> 11) & 0x1f)
	minute := int((ts >> 5) & 0x3f)
	second := int(ts&0x1f) * 2

	if month < time.January || month > time.December {
		month = time.January
	}
	if day == 0 {
		day = 1
	}

	extra := int(tenMS)
	if extra > 199 {
		extra = 0
	}
	second += extra / 100
	nanos := (extra % 100) * int(10*time.Millisecond)

	return time.Date(year, month, day, hour, minute, second, nanos, loc)
}
