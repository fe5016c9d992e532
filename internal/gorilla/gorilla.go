// Package gorilla implements the delta-of-delta timestamp and XOR value
// compression scheme on top of a segment's bit stream. It owns no
// memory of its own; all state lives in the segment header so that an
// Encoder can be freely discarded and reconstructed via Factory.Open.
package gorilla

import (
	"errors"
	"math"
	"math/bits"

	"tsseg/internal/segment"
)

// SegmentSeconds is the number of one-second slots a segment covers,
// and therefore the required length of the buffer passed to
// (*Encoder).ReadAndDedupe.
const SegmentSeconds = 7200

// firstDeltaBits is wide enough to hold any offset within one segment.
const firstDeltaBits = 14

var (
	// ErrBufferLengthMismatch is returned by ReadAndDedupe when buf's
	// length does not equal SegmentSeconds.
	ErrBufferLengthMismatch = errors.New("gorilla: buffer length must equal SegmentSeconds")
)

const mantissaLowBits = 13
const mantissaMask = ^uint64(1<<mantissaLowBits - 1)

func maskMantissa(v float64) float64 {
	return math.Float64frombits(math.Float64bits(v) & mantissaMask)
}

func maskBits(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return (uint64(1) << uint(n)) - 1
}

// signExtend widens the low `width` bits of raw, interpreted as two's
// complement, to a full int32.
func signExtend(raw uint64, width int) int32 {
	shift := uint(64 - width)
	return int32(int64(raw<<shift) >> shift)
}

func writeSigned(seg *segment.Segment, v int32, width int) error {
	return seg.WriteData(uint64(v)&maskBits(width), width)
}

// Encoder applies Gorilla compression to one segment. It is not
// thread-safe: one writer or one reader owns it for the duration of a
// session, matching the segment's own mode discipline.
type Encoder struct {
	seg *segment.Segment
}

// New wraps a freshly created segment.
func New(seg *segment.Segment) *Encoder {
	return &Encoder{seg: seg}
}

// Segment returns the underlying segment, e.g. to call Free or inspect
// header state directly.
func (e *Encoder) Segment() *segment.Segment { return e.seg }

// AddDataPoint compresses and appends one (timestamp, value) sample.
// In lossy mode the low 13 mantissa bits of v are cleared before the
// XOR comparison, so a subsequent Read returns the masked value.
func (e *Encoder) AddDataPoint(ts int32, v float64) error {
	seg := e.seg
	if seg.Lossy() {
		v = maskMantissa(v)
	}
	raw := math.Float64bits(v)

	if seg.NumDataPoints() == 0 {
		delta0 := ts - seg.SegmentTime()
		if err := seg.WriteData(uint64(delta0)&maskBits(firstDeltaBits), firstDeltaBits); err != nil {
			return err
		}
		if err := seg.WriteData(raw, 64); err != nil {
			return err
		}
		seg.SetLastDelta(delta0)
		seg.SetLastTimestamp(ts)
		seg.SetLastValueBits(raw)
		seg.SetLastLeadingZeros(64)
		seg.SetLastTrailingZeros(0)
		seg.IncrementNumDataPoints()
		return nil
	}

	prevT := seg.LastTimestamp()
	prevDelta := seg.LastDelta()
	prevV := seg.LastValueBits()
	prevLZ := seg.LastLeadingZeros()
	prevTZ := seg.LastTrailingZeros()

	if ts <= prevT {
		seg.SetOutOfOrder(true)
	}

	delta := ts - prevT
	dod := delta - prevDelta

	if err := writeDoD(seg, dod); err != nil {
		return err
	}

	xor := raw ^ prevV
	switch {
	case xor == 0:
		if err := seg.WriteData(0, 1); err != nil {
			return err
		}
	default:
		if err := seg.WriteData(1, 1); err != nil {
			return err
		}
		lz := bits.LeadingZeros64(xor)
		tz := bits.TrailingZeros64(xor)
		if prevLZ != 64 && lz >= prevLZ && tz >= prevTZ {
			if err := seg.WriteData(0, 1); err != nil {
				return err
			}
			meaningful := 64 - prevLZ - prevTZ
			mid := (xor >> uint(prevTZ)) & maskBits(meaningful)
			if err := seg.WriteData(mid, meaningful); err != nil {
				return err
			}
		} else {
			if err := seg.WriteData(1, 1); err != nil {
				return err
			}
			if err := seg.WriteData(uint64(lz), 5); err != nil {
				return err
			}
			meaningful := 64 - lz - tz
			if err := seg.WriteData(uint64(meaningful), 6); err != nil {
				return err
			}
			mid := (xor >> uint(tz)) & maskBits(meaningful)
			if err := seg.WriteData(mid, meaningful); err != nil {
				return err
			}
			prevLZ, prevTZ = lz, tz
		}
	}

	seg.SetLastTimestamp(ts)
	seg.SetLastDelta(delta)
	seg.SetLastValueBits(raw)
	seg.SetLastLeadingZeros(prevLZ)
	seg.SetLastTrailingZeros(prevTZ)
	seg.IncrementNumDataPoints()
	return nil
}

func writeDoD(seg *segment.Segment, dod int32) error {
	switch {
	case dod == 0:
		return seg.WriteData(0, 1)
	case dod >= -63 && dod <= 64:
		if err := seg.WriteData(0b10, 2); err != nil {
			return err
		}
		return writeSigned(seg, dod, 7)
	case dod >= -255 && dod <= 256:
		if err := seg.WriteData(0b110, 3); err != nil {
			return err
		}
		return writeSigned(seg, dod, 9)
	case dod >= -2047 && dod <= 2048:
		if err := seg.WriteData(0b1110, 4); err != nil {
			return err
		}
		return writeSigned(seg, dod, 12)
	default:
		if err := seg.WriteData(0b1111, 4); err != nil {
			return err
		}
		return writeSigned(seg, dod, 32)
	}
}

func readDoD(seg *segment.Segment) (int32, error) {
	b, err := seg.ReadData(1)
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return 0, nil
	}
	b2, err := seg.ReadData(1)
	if err != nil {
		return 0, err
	}
	if b2 == 0 {
		raw, err := seg.ReadData(7)
		if err != nil {
			return 0, err
		}
		return signExtend(raw, 7), nil
	}
	b3, err := seg.ReadData(1)
	if err != nil {
		return 0, err
	}
	if b3 == 0 {
		raw, err := seg.ReadData(9)
		if err != nil {
			return 0, err
		}
		return signExtend(raw, 9), nil
	}
	b4, err := seg.ReadData(1)
	if err != nil {
		return 0, err
	}
	if b4 == 0 {
		raw, err := seg.ReadData(12)
		if err != nil {
			return 0, err
		}
		return signExtend(raw, 12), nil
	}
	raw, err := seg.ReadData(32)
	if err != nil {
		return 0, err
	}
	return signExtend(raw, 32), nil
}

// Read decodes every point in emission order and yields each one to
// consumer. Decode bookkeeping (prevLZ/prevTZ) is reinitialized to the
// same starting values AddDataPoint uses for the first sample, so the
// decode matches the encode regardless of whatever the header's
// trailing lz/tz happen to hold from the last write.
func (e *Encoder) Read(consumer func(ts int32, v float64)) error {
	seg := e.seg
	n := seg.NumDataPoints()
	if n == 0 {
		return nil
	}
	seg.ResetCursor()

	delta0, err := seg.ReadData(firstDeltaBits)
	if err != nil {
		return err
	}
	t0 := seg.SegmentTime()
	prevT := t0 + int32(delta0)
	rawV, err := seg.ReadData(64)
	if err != nil {
		return err
	}
	prevV := rawV
	consumer(prevT, math.Float64frombits(prevV))

	prevDelta := int32(delta0)
	prevLZ, prevTZ := 64, 0

	for i := uint16(1); i < n; i++ {
		dod, err := readDoD(seg)
		if err != nil {
			return err
		}
		delta := prevDelta + dod
		ts := prevT + delta

		bit, err := seg.ReadData(1)
		if err != nil {
			return err
		}
		raw := prevV
		if bit != 0 {
			ctrl, err := seg.ReadData(1)
			if err != nil {
				return err
			}
			if ctrl == 0 {
				meaningful := 64 - prevLZ - prevTZ
				mid, err := seg.ReadData(meaningful)
				if err != nil {
					return err
				}
				raw = prevV ^ (mid << uint(prevTZ))
			} else {
				lzRaw, err := seg.ReadData(5)
				if err != nil {
					return err
				}
				lz := int(lzRaw)
				mbRaw, err := seg.ReadData(6)
				if err != nil {
					return err
				}
				meaningful := int(mbRaw)
				if meaningful == 0 {
					// A full 64-bit window does not fit the 6-bit field
					// and is written as 0 by AddDataPoint.
					meaningful = 64
				}
				tz := 64 - lz - meaningful
				mid, err := seg.ReadData(meaningful)
				if err != nil {
					return err
				}
				raw = prevV ^ (mid << uint(tz))
				prevLZ, prevTZ = lz, tz
			}
		}

		consumer(ts, math.Float64frombits(raw))
		prevT, prevDelta, prevV = ts, delta, raw
	}
	return nil
}

// ReadAndDedupe decodes every point and scatters it into buf by
// second-offset from the segment's base timestamp, last writer wins.
// len(buf) must equal SegmentSeconds. It returns the number of
// distinct slots written.
func (e *Encoder) ReadAndDedupe(buf []float64) (int, error) {
	if len(buf) != SegmentSeconds {
		return 0, ErrBufferLengthMismatch
	}

	t0 := e.seg.SegmentTime()
	seen := make([]bool, len(buf))
	count := 0

	err := e.Read(func(ts int32, v float64) {
		idx := int(ts - t0)
		if idx < 0 || idx >= len(buf) {
			return
		}
		if !seen[idx] {
			seen[idx] = true
			count++
		}
		buf[idx] = v
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
