package core

import (
	"strconv"
	"time"
)

// physicalShiftBits is the number of low bits reserved for the logical part
// of a TSO timestamp.
const physicalShiftBits = 18

// TimeStamp is a hybrid logical timestamp: physical milliseconds in the high
// bits and a logical counter in the low 18 bits.
type TimeStamp uint64

// ComposeTS builds a TimeStamp from its physical and logical parts.
func ComposeTS(physicalMs, logical uint64) TimeStamp {
	return TimeStamp(physicalMs<<physicalShiftBits | logical&(1<<physicalShiftBits-1))
}

// TimeStampFromTime returns the TimeStamp for t with a zero logical part.
func TimeStampFromTime(t time.Time) TimeStamp {
	return ComposeTS(uint64(t.UnixMilli()), 0)
}

// Physical returns the physical milliseconds of ts.
func (ts TimeStamp) Physical() uint64 {
	return uint64(ts) >> physicalShiftBits
}

// Logical returns the logical counter of ts.
func (ts TimeStamp) Logical() uint64 {
	return uint64(ts) & (1<<physicalShiftBits - 1)
}

// Time returns the wall-clock time of the physical part.
func (ts TimeStamp) Time() time.Time {
	return time.UnixMilli(int64(ts.Physical()))
}

func (ts TimeStamp) String() string {
	return strconv.FormatUint(uint64(ts), 10)
}

// ParseTimeStamp parses the decimal form produced by String.
func ParseTimeStamp(s string) (TimeStamp, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TimeStamp(n), nil
}
