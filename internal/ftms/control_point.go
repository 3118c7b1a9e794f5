package ftms

import (
	"fmt"
)

// RequestControl returns the Request Control command. Trainers reject other
// control point writes until this has been accepted.
func RequestControl() []byte {
	return []byte{OpCodeRequestControl}
}

// StartOrResume returns the Start or Resume command. Some trainers require it
// before they accept a target power.
func StartOrResume() []byte {
	return []byte{OpCodeStartOrResume}
}

// ClampTargetPower limits watts to the range accepted by SetTargetPower
func ClampTargetPower(watts int) int {
	if watts < MinTargetPowerWatts {
		return MinTargetPowerWatts
	}
	if watts > MaxTargetPowerWatts {
		return MaxTargetPowerWatts
	}
	return watts
}

// SetTargetPower returns the Set Target Power command for ERG mode:
// [0x05, watts low byte, watts high byte] with watts clamped first.
func SetTargetPower(watts int) []byte {
	w := ClampTargetPower(watts)
	return []byte{OpCodeSetTargetPower, byte(w & 0xFF), byte((w >> 8) & 0xFF)}
}

// ControlPointResponse is a decoded Control Point indication
type ControlPointResponse struct {
	RequestOpCode byte
	ResultCode    byte
}

// Success reports whether the trainer accepted the request
func (r ControlPointResponse) Success() bool {
	return r.ResultCode == ResultSuccess
}

func (r ControlPointResponse) String() string {
	return fmt.Sprintf("%s -> %s", OpCodeName(r.RequestOpCode), ResultName(r.ResultCode))
}

// DecodeControlPointResponse parses [0x80, request op code, result code, ...]
func DecodeControlPointResponse(buf []byte) (ControlPointResponse, error) {
	if len(buf) < 3 {
		return ControlPointResponse{}, fmt.Errorf("control point response too short: %v", buf)
	}
	if buf[0] != OpCodeResponseCode {
		return ControlPointResponse{}, fmt.Errorf("unexpected op code: 0x%02X", buf[0])
	}
	return ControlPointResponse{RequestOpCode: buf[1], ResultCode: buf[2]}, nil
}

// OpCodeName returns a readable name for a control point op code
func OpCodeName(op byte) string {
	switch op {
	case OpCodeRequestControl:
		return "Request Control"
	case OpCodeReset:
		return "Reset"
	case OpCodeSetTargetResistance:
		return "Set Target Resistance"
	case OpCodeSetTargetPower:
		return "Set Target Power"
	case OpCodeStartOrResume:
		return "Start/Resume"
	case OpCodeStopOrPause:
		return "Stop/Pause"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

// ResultName returns a readable name for a control point result code
func ResultName(result byte) string {
	switch result {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", result)
	}
}
