// Package units provides shared constants and conversion for wind speed units
package units

// Unit constants
const (
	MPS = "mps"
	MPH = "mph"
	KPH = "kph"
	KT  = "kt"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KPH, KT}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kph, kt"
}

// ConvertSpeed converts a speed from meters per second to the target units.
// The database stores all velocities in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.2369362920544
	case KPH:
		return speedMPS * 3.6
	case KT:
		return speedMPS * 1.9438444924406
	case MPS:
		return speedMPS
	default:
		return speedMPS
	}
}
