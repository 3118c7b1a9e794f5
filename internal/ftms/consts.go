// Package ftms encodes and decodes the Fitness Machine Service and Heart Rate
// Service frames exchanged with smart trainers and heart-rate straps.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
package ftms

// Bluetooth Service and Characteristic UUIDs
const (
	// Heart Rate Service (0x180D)
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Fitness Machine Service (0x1826)
	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature         = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"
)

// Control Point op codes
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeReset                byte = 0x01
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeSetTargetInclination byte = 0x03
	OpCodeSetTargetResistance  byte = 0x04
	OpCodeSetTargetPower       byte = 0x05
	OpCodeSetTargetHeartRate   byte = 0x06
	OpCodeStartOrResume        byte = 0x07
	OpCodeStopOrPause          byte = 0x08
	OpCodeResponseCode         byte = 0x80
)

// Control Point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Target power limits accepted by SetTargetPower
const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000
)
