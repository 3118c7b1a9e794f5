package ftms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeartRate_Uint8(t *testing.T) {
	m, err := DecodeHeartRate([]byte{0x00, 72})
	require.NoError(t, err)
	assert.Equal(t, 72, m.HeartRate)
	assert.Empty(t, m.RRIntervals)
}

func TestDecodeHeartRate_Uint16(t *testing.T) {
	m, err := DecodeHeartRate([]byte{0x01, 0x2C, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 300, m.HeartRate)

	_, err = DecodeHeartRate([]byte{0x01, 0x2C})
	assert.Error(t, err)
}

func TestDecodeHeartRate_RRIntervals(t *testing.T) {
	// 1024/1024 s = 1000 ms, 800/1024 s = 781.25 ms
	m, err := DecodeHeartRate([]byte{0x10, 60, 0x00, 0x04, 0x20, 0x03})
	require.NoError(t, err)
	assert.Equal(t, 60, m.HeartRate)
	assert.Equal(t, []int{1000, 781}, m.RRIntervals)
}

func TestDecodeHeartRate_EnergyExpendedIsSkipped(t *testing.T) {
	m, err := DecodeHeartRate([]byte{0x18, 150, 0x10, 0x00, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, 150, m.HeartRate)
	assert.Equal(t, []int{500}, m.RRIntervals)
}

func TestDecodeHeartRate_TrailingOddByteIgnored(t *testing.T) {
	m, err := DecodeHeartRate([]byte{0x10, 65, 0x00, 0x04, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []int{1000}, m.RRIntervals)
}

func TestDecodeHeartRate_TooShort(t *testing.T) {
	_, err := DecodeHeartRate([]byte{0x00})
	assert.Error(t, err)
}

func TestEncodeHeartRate_RoundTrip(t *testing.T) {
	for _, want := range []HeartRateMeasurement{
		{HeartRate: 58},
		{HeartRate: 142, RRIntervals: []int{1000, 500}},
		{HeartRate: 300, RRIntervals: []int{250}},
	} {
		got, err := DecodeHeartRate(EncodeHeartRate(want))
		require.NoError(t, err)
		assert.Equal(t, want.HeartRate, got.HeartRate)
		assert.Equal(t, len(want.RRIntervals), len(got.RRIntervals))
		for i := range want.RRIntervals {
			assert.InDelta(t, want.RRIntervals[i], got.RRIntervals[i], 1)
		}
	}
}
