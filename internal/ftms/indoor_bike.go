package ftms

import (
	"fmt"
	"math"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
)

// Field identifies one flag-gated value of the Indoor Bike Data characteristic
type Field int

const (
	FieldInstantaneousSpeed   Field = iota // km/h
	FieldAverageSpeed                      // km/h
	FieldInstantaneousCadence              // rpm
	FieldAverageCadence                    // rpm
	FieldTotalDistance                     // meters
	FieldResistanceLevel
	FieldInstantaneousPower // watts
	FieldAveragePower       // watts
	FieldTotalEnergy        // kcal
	FieldEnergyPerHour      // kcal/h
	FieldEnergyPerMinute    // kcal/min
	FieldHeartRate          // bpm
	FieldMetabolicEquivalent
	FieldElapsedTime   // seconds
	FieldRemainingTime // seconds
)

var fieldNames = map[Field]string{
	FieldInstantaneousSpeed:   "instantaneous speed",
	FieldAverageSpeed:         "average speed",
	FieldInstantaneousCadence: "instantaneous cadence",
	FieldAverageCadence:       "average cadence",
	FieldTotalDistance:        "total distance",
	FieldResistanceLevel:      "resistance level",
	FieldInstantaneousPower:   "instantaneous power",
	FieldAveragePower:         "average power",
	FieldTotalEnergy:          "total energy",
	FieldEnergyPerHour:        "energy per hour",
	FieldEnergyPerMinute:      "energy per minute",
	FieldHeartRate:            "heart rate",
	FieldMetabolicEquivalent:  "metabolic equivalent",
	FieldElapsedTime:          "elapsed time",
	FieldRemainingTime:        "remaining time",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Indoor Bike Data flag bits
const (
	flagMoreData            uint16 = 1 << 0 // inverted: clear means Instantaneous Speed is present
	flagAverageSpeed        uint16 = 1 << 1
	flagInstCadence         uint16 = 1 << 2
	flagAverageCadence      uint16 = 1 << 3
	flagTotalDistance       uint16 = 1 << 4
	flagResistanceLevel     uint16 = 1 << 5
	flagInstPower           uint16 = 1 << 6
	flagAveragePower        uint16 = 1 << 7
	flagExpendedEnergy      uint16 = 1 << 8
	flagHeartRate           uint16 = 1 << 9
	flagMetabolicEquivalent uint16 = 1 << 10
	flagElapsedTime         uint16 = 1 << 11
	flagRemainingTime       uint16 = 1 << 12
)

// fieldSpec is one row of the frame layout. Rows are read and written in
// table order; several rows may share a flag (expended energy is three values).
type fieldSpec struct {
	field    Field
	flag     uint16
	inverted bool
	width    int
	signed   bool
	scale    float64
}

var indoorBikeLayout = []fieldSpec{
	{FieldInstantaneousSpeed, flagMoreData, true, 2, false, 0.01},
	{FieldAverageSpeed, flagAverageSpeed, false, 2, false, 0.01},
	{FieldInstantaneousCadence, flagInstCadence, false, 2, false, 0.5},
	{FieldAverageCadence, flagAverageCadence, false, 2, false, 0.5},
	{FieldTotalDistance, flagTotalDistance, false, 3, false, 1},
	{FieldResistanceLevel, flagResistanceLevel, false, 2, true, 1},
	{FieldInstantaneousPower, flagInstPower, false, 2, true, 1},
	{FieldAveragePower, flagAveragePower, false, 2, true, 1},
	{FieldTotalEnergy, flagExpendedEnergy, false, 2, false, 1},
	{FieldEnergyPerHour, flagExpendedEnergy, false, 2, false, 1},
	{FieldEnergyPerMinute, flagExpendedEnergy, false, 1, false, 1},
	{FieldHeartRate, flagHeartRate, false, 1, false, 1},
	{FieldMetabolicEquivalent, flagMetabolicEquivalent, false, 1, false, 0.1},
	{FieldElapsedTime, flagElapsedTime, false, 2, false, 1},
	{FieldRemainingTime, flagRemainingTime, false, 2, false, 1},
}

func (s fieldSpec) present(flags uint16) bool {
	set := flags&s.flag != 0
	if s.inverted {
		return !set
	}
	return set
}

func (s fieldSpec) read(buf []byte) float64 {
	var raw uint32
	for i := 0; i < s.width; i++ {
		raw |= uint32(buf[i]) << (8 * i)
	}
	if s.signed {
		shift := 32 - 8*s.width
		return float64(int32(raw<<shift)>>shift) * s.scale
	}
	return float64(raw) * s.scale
}

func (s fieldSpec) write(buf []byte, value float64) {
	raw := uint32(int64(math.Round(value / s.scale)))
	for i := 0; i < s.width; i++ {
		buf[i] = byte(raw >> (8 * i))
	}
}

// IndoorBikeFrame holds the fields present in one Indoor Bike Data frame.
// Absent fields have no entry.
type IndoorBikeFrame map[Field]float64

// DecodeIndoorBikeData parses an Indoor Bike Data notification. Fields are
// read in layout order and the offset only advances past fields whose flag
// bit says they are present.
func DecodeIndoorBikeData(buf []byte) (IndoorBikeFrame, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	flags := uint16(buf[0]) | uint16(buf[1])<<8
	offset := 2

	frame := make(IndoorBikeFrame)
	for _, spec := range indoorBikeLayout {
		if !spec.present(flags) {
			continue
		}
		if offset+spec.width > len(buf) {
			return nil, fmt.Errorf("buffer too short for %s at offset %d", spec.field, offset)
		}
		frame[spec.field] = spec.read(buf[offset:])
		offset += spec.width
	}
	return frame, nil
}

// EncodeIndoorBikeData builds the frame for the fields in f. A flag shared by
// several fields is set when any of them is present; the missing siblings are
// written as zero.
func EncodeIndoorBikeData(f IndoorBikeFrame) []byte {
	var flags uint16
	for _, spec := range indoorBikeLayout {
		if _, ok := f[spec.field]; ok && !spec.inverted {
			flags |= spec.flag
		}
	}
	if _, ok := f[FieldInstantaneousSpeed]; !ok {
		flags |= flagMoreData
	}

	buf := []byte{byte(flags), byte(flags >> 8)}
	for _, spec := range indoorBikeLayout {
		if !spec.present(flags) {
			continue
		}
		field := make([]byte, spec.width)
		spec.write(field, f[spec.field])
		buf = append(buf, field...)
	}
	return buf
}

// Sample converts the frame into a telemetry sample carrying only the fields
// the trainer reported.
func (f IndoorBikeFrame) Sample(ts time.Time) telemetry.TelemetrySample {
	sample := telemetry.TelemetrySample{Timestamp: ts}
	if v, ok := f[FieldInstantaneousPower]; ok {
		sample.Power = telemetry.Int(int(v))
	}
	if v, ok := f[FieldInstantaneousCadence]; ok {
		sample.Cadence = telemetry.Float(v)
	}
	if v, ok := f[FieldInstantaneousSpeed]; ok {
		sample.Speed = telemetry.Float(v)
	}
	if v, ok := f[FieldTotalDistance]; ok {
		sample.Distance = telemetry.Float(v)
	}
	if v, ok := f[FieldResistanceLevel]; ok {
		sample.Resistance = telemetry.Int(int(v))
	}
	if v, ok := f[FieldHeartRate]; ok && v > 0 {
		sample.HeartRate = telemetry.Int(int(v))
	}
	return sample
}
