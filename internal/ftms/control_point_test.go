package ftms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTargetPower_Encoding(t *testing.T) {
	assert.Equal(t, []byte{0x05, 0xFA, 0x00}, SetTargetPower(250))
	assert.Equal(t, []byte{0x05, 0x00, 0x00}, SetTargetPower(-50), "negative clamps to 0")
	assert.Equal(t, []byte{0x05, 0xD0, 0x07}, SetTargetPower(5000), "2000 = 0x07D0")
	assert.Equal(t, []byte{0x05, 0xD0, 0x07}, SetTargetPower(2000))
}

func TestClampTargetPower(t *testing.T) {
	assert.Equal(t, 0, ClampTargetPower(-1))
	assert.Equal(t, 180, ClampTargetPower(180))
	assert.Equal(t, 2000, ClampTargetPower(2001))
}

func TestControlCommands(t *testing.T) {
	assert.Equal(t, []byte{0x00}, RequestControl())
	assert.Equal(t, []byte{0x07}, StartOrResume())
}

func TestDecodeControlPointResponse(t *testing.T) {
	resp, err := DecodeControlPointResponse([]byte{0x80, 0x05, 0x01})
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, "Set Target Power -> Success", resp.String())

	resp, err = DecodeControlPointResponse([]byte{0x80, 0x00, 0x05})
	require.NoError(t, err)
	assert.False(t, resp.Success())
	assert.Equal(t, ResultControlNotPermitted, resp.ResultCode)
	assert.Equal(t, "Request Control -> Control Not Permitted", resp.String())

	_, err = DecodeControlPointResponse([]byte{0x80, 0x05})
	assert.Error(t, err)
	_, err = DecodeControlPointResponse([]byte{0x81, 0x05, 0x01})
	assert.Error(t, err)
}

func TestOpCodeAndResultNames(t *testing.T) {
	assert.Equal(t, "OpCode 0x42", OpCodeName(0x42))
	assert.Equal(t, "Result 0x09", ResultName(0x09))
}
