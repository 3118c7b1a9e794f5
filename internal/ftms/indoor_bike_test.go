package ftms

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIndoorBikeData_SpeedCadencePower(t *testing.T) {
	// flags 0x0044: cadence + power, bit 0 clear so speed is present
	buf := []byte{0x44, 0x00, 0xC4, 0x09, 0xB4, 0x00, 0xC8, 0x00}

	frame, err := DecodeIndoorBikeData(buf)
	require.NoError(t, err)
	assert.Len(t, frame, 3)
	assert.InDelta(t, 25.0, frame[FieldInstantaneousSpeed], 1e-9)
	assert.InDelta(t, 90.0, frame[FieldInstantaneousCadence], 1e-9)
	assert.Equal(t, 200.0, frame[FieldInstantaneousPower])
}

func TestDecodeIndoorBikeData_SpeedAbsentWhenMoreDataSet(t *testing.T) {
	// bit 0 set (no speed), bit 4 distance, bit 6 power
	buf := []byte{0x51, 0x00, 0x10, 0x27, 0x00, 0x96, 0x00}

	frame, err := DecodeIndoorBikeData(buf)
	require.NoError(t, err)
	_, hasSpeed := frame[FieldInstantaneousSpeed]
	assert.False(t, hasSpeed)
	assert.Equal(t, 10000.0, frame[FieldTotalDistance])
	assert.Equal(t, 150.0, frame[FieldInstantaneousPower])
}

func TestDecodeIndoorBikeData_NegativePowerAndResistance(t *testing.T) {
	// speed, resistance, power
	buf := []byte{0x60, 0x00, 0x00, 0x00, 0xF6, 0xFF, 0xCE, 0xFF}

	frame, err := DecodeIndoorBikeData(buf)
	require.NoError(t, err)
	assert.Equal(t, -10.0, frame[FieldResistanceLevel])
	assert.Equal(t, -50.0, frame[FieldInstantaneousPower])
}

func TestDecodeIndoorBikeData_ExpendedEnergySkipsFiveBytes(t *testing.T) {
	// bit0 set, energy (bit 8), heart rate (bit 9)
	buf := []byte{0x01, 0x03, 0x64, 0x00, 0xF4, 0x01, 0x08, 0x8C}

	frame, err := DecodeIndoorBikeData(buf)
	require.NoError(t, err)
	assert.Equal(t, 100.0, frame[FieldTotalEnergy])
	assert.Equal(t, 500.0, frame[FieldEnergyPerHour])
	assert.Equal(t, 8.0, frame[FieldEnergyPerMinute])
	assert.Equal(t, 140.0, frame[FieldHeartRate])
}

func TestDecodeIndoorBikeData_Truncated(t *testing.T) {
	_, err := DecodeIndoorBikeData([]byte{0x44})
	require.Error(t, err)

	// power flag set but only one byte of power
	_, err = DecodeIndoorBikeData([]byte{0x41, 0x00, 0xC8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instantaneous power")
	assert.Contains(t, err.Error(), "offset 2")
}

func TestIndoorBikeData_RoundTripEveryFlagCombination(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	maxFlags := uint16(1 << 13)

	for flags := uint16(0); flags < maxFlags; flags++ {
		want := make(IndoorBikeFrame)
		for _, spec := range indoorBikeLayout {
			if !spec.present(flags) {
				continue
			}
			want[spec.field] = randomValue(rng, spec)
		}

		encoded := EncodeIndoorBikeData(want)
		got, err := DecodeIndoorBikeData(encoded)
		require.NoError(t, err, "flags=0x%04X", flags)
		require.Equal(t, want, got, "flags=0x%04X", flags)

		gotFlags := uint16(encoded[0]) | uint16(encoded[1])<<8
		assert.Equal(t, flags, gotFlags, "encoder must reproduce the flag word")
	}
}

func randomValue(rng *rand.Rand, spec fieldSpec) float64 {
	bits := uint(8 * spec.width)
	if spec.signed {
		half := int64(1) << (bits - 1)
		return float64(rng.Int63n(2*half)-half) * spec.scale
	}
	return float64(rng.Int63n(int64(1)<<bits)) * spec.scale
}

func TestIndoorBikeFrame_Sample(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	frame := IndoorBikeFrame{
		FieldInstantaneousSpeed:   30.5,
		FieldInstantaneousPower:   210,
		FieldInstantaneousCadence: 88.5,
	}

	sample := frame.Sample(ts)
	assert.Equal(t, ts, sample.Timestamp)
	require.NotNil(t, sample.Power)
	assert.Equal(t, 210, *sample.Power)
	require.NotNil(t, sample.Cadence)
	assert.Equal(t, 88.5, *sample.Cadence)
	require.NotNil(t, sample.Speed)
	assert.Equal(t, 30.5, *sample.Speed)
	assert.Nil(t, sample.Distance, "absent fields stay nil")
	assert.Nil(t, sample.Resistance)
	assert.Nil(t, sample.HeartRate)
}

func TestField_String(t *testing.T) {
	assert.Equal(t, "total distance", FieldTotalDistance.String())
	assert.Equal(t, "field(99)", Field(99).String())
}
