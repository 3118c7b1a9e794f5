package ftms

import (
	"fmt"
	"math"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
)

// Heart Rate Measurement flag bits
const (
	hrFlagUint16         byte = 1 << 0
	hrFlagEnergyExpended byte = 1 << 3
	hrFlagRRIntervals    byte = 1 << 4
)

// HeartRateMeasurement is one decoded Heart Rate Measurement notification
type HeartRateMeasurement struct {
	HeartRate   int
	RRIntervals []int // milliseconds
}

// DecodeHeartRate parses a Heart Rate Measurement notification.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRate(buf []byte) (HeartRateMeasurement, error) {
	var m HeartRateMeasurement
	if len(buf) < 2 {
		return m, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}
	flags := buf[0]
	offset := 1

	if flags&hrFlagUint16 != 0 {
		if offset+2 > len(buf) {
			return m, fmt.Errorf("buffer too short for 16-bit heart rate at offset %d", offset)
		}
		m.HeartRate = int(uint16(buf[offset]) | uint16(buf[offset+1])<<8)
		offset += 2
	} else {
		m.HeartRate = int(buf[offset])
		offset++
	}

	// energy expended is not used, skip it
	if flags&hrFlagEnergyExpended != 0 {
		offset += 2
	}

	if flags&hrFlagRRIntervals != 0 {
		for offset+1 < len(buf) {
			raw := uint16(buf[offset]) | uint16(buf[offset+1])<<8
			m.RRIntervals = append(m.RRIntervals, rrToMillis(raw))
			offset += 2
		}
	}
	return m, nil
}

// EncodeHeartRate builds a Heart Rate Measurement frame. Values above 255 bpm
// use the 16-bit form. RR intervals are given in milliseconds.
func EncodeHeartRate(m HeartRateMeasurement) []byte {
	var flags byte
	if m.HeartRate > 0xFF {
		flags |= hrFlagUint16
	}
	if len(m.RRIntervals) > 0 {
		flags |= hrFlagRRIntervals
	}
	buf := []byte{flags}
	if flags&hrFlagUint16 != 0 {
		buf = append(buf, byte(m.HeartRate), byte(m.HeartRate>>8))
	} else {
		buf = append(buf, byte(m.HeartRate))
	}
	for _, rr := range m.RRIntervals {
		raw := millisToRR(rr)
		buf = append(buf, byte(raw), byte(raw>>8))
	}
	return buf
}

// Sample converts the measurement into a telemetry sample
func (m HeartRateMeasurement) Sample(ts time.Time) telemetry.HeartRateSample {
	return telemetry.HeartRateSample{
		Timestamp:   ts,
		HR:          m.HeartRate,
		RRIntervals: m.RRIntervals,
	}
}

// rrToMillis converts 1/1024 s units to milliseconds
func rrToMillis(raw uint16) int {
	return int(math.Round(float64(raw) / 1024 * 1000))
}

func millisToRR(ms int) uint16 {
	return uint16(math.Round(float64(ms) * 1024 / 1000))
}
