package exfat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimestampRoundTrip(t *testing.T) {
	cases := []time.Time{
		time.Date(2021, time.June, 14, 9, 30, 44, 0, time.UTC),
		time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2099, time.December, 31, 23, 59, 58, 0, time.UTC),
		time.Date(2015, time.March, 3, 12, 0, 7, 130_000_000, time.UTC),
	}
	for _, want := range cases {
		ts, tenMS, tz := encodeTimestamp(want)
		got := decodeTimestamp(ts, tenMS, tz)
		assert.True(t, want.Equal(got), "round trip of %s gave %s", want, got)
	}
}

func TestTimestampOddSeconds(t *testing.T) {
	// Odd seconds survive through the 10 ms increment byte.
	want := time.Date(2020, time.May, 5, 5, 5, 5, 0, time.UTC)
	ts, tenMS, tz := encodeTimestamp(want)
	assert.Equal(t, byte(100), tenMS)
	got := decodeTimestamp(ts, tenMS, tz)
	assert.True(t, want.Equal(got))
}

func TestTimestampZoneOffset(t *testing.T) {
	zone := time.FixedZone("", 2*3600)
	want := time.Date(2018, time.August, 20, 17, 45, 10, 0, zone)

	ts, tenMS, tz := encodeTimestamp(want)
	assert.Equal(t, byte(tzOffsetValid|8), tz, "two hours is eight 15-minute units")

	got := decodeTimestamp(ts, tenMS, tz)
	assert.True(t, want.Equal(got))

	_, offset := got.Zone()
	assert.Equal(t, 2*3600, offset)
}

func TestTimestampUnrepresentableZoneFallsBackToUTC(t *testing.T) {
	zone := time.FixedZone("", 5*3600+30*60+42) // not a multiple of 15 min
	want := time.Date(2019, time.February, 2, 2, 2, 2, 0, zone)

	ts, tenMS, tz := encodeTimestamp(want)
	got := decodeTimestamp(ts, tenMS, tz)
	assert.True(t, want.Equal(got), "instant must be preserved even when the zone is not")
}

func TestTimestampPre1980Clamps(t *testing.T) {
	ts, tenMS, _ := encodeTimestamp(time.Date(1969, time.July, 20, 20, 17, 0, 0, time.UTC))
	got := decodeTimestamp(ts, tenMS, 0x80)
	assert.Equal(t, 1980, got.Year())
}

func TestTimestampGarbageDecodesToSomething(t *testing.T) {
	// Zeroed fields must not produce a panic or a zero month/day.
	got := decodeTimestamp(0, 255, 0)
	assert.Equal(t, 1980, got.Year())
	assert.Equal(t, time.January, got.Month())
	assert.Equal(t, 1, got.Day())
}
