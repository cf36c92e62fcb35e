package model

type NumericUnit string

func (u NumericUnit) String() string {
	return string(u)
}

const (
	NumericUnitAmp                    NumericUnit = "A"
	NumericUnitPercent                NumericUnit = "%"
	NumericUnitKiloWatt               NumericUnit = "kW"
	NumericUnitWatt                   NumericUnit = "W"
	NumericUnitKiloWattHour           NumericUnit = "kWh"
	NumericUnitWattHour               NumericUnit = "Wh"
	NumericUnitDegreeC                NumericUnit = "°C"
	NumericUnitVolt                   NumericUnit = "V"
	NumericUnitKilovoltAmpereReactive NumericUnit = "kvar"
	NumericUnitVoltAmpereReactive     NumericUnit = "var"
	NumericUnitHertz                  NumericUnit = "Hz"
	NumericUnitKiloVoltAmpere         NumericUnit = "kVA"
	NumericUnitVoltAmpere             NumericUnit = "VA"
	NumericUnitKiloOhm                NumericUnit = "kΩ"
)

var NumericUnits = []NumericUnit{
	NumericUnitAmp,
	NumericUnitPercent,
	NumericUnitKiloWatt,
	NumericUnitWatt,
	NumericUnitKiloWattHour,
	NumericUnitWattHour,
	NumericUnitDegreeC,
	NumericUnitVolt,
	NumericUnitKilovoltAmpereReactive,
	NumericUnitVoltAmpereReactive,
	NumericUnitHertz,
	NumericUnitKiloVoltAmpere,
	NumericUnitVoltAmpere,
	NumericUnitKiloOhm,
}

// IsNumeric reports whether unit is one of the known numeric units.
func IsNumeric(unit string) bool {
	for _, u := range NumericUnits {
		if u.String() == unit {
			return true
		}
	}
	return false
}

const (
	DeviceClassCurrent     = "current"
	DeviceClassPower       = "power"
	DeviceClassEnergy      = "energy"
	DeviceClassVoltage     = "voltage"
	DeviceClassTemperature = "temperature"
	DeviceClassBattery     = "battery"
	DeviceClassFrequency   = "frequency"
	DeviceClassReactive    = "reactive_power"
	DeviceClassApparent    = "apparent_power"
	DeviceClassProblem     = "problem"
	DeviceClassRunning     = "running"

	StateClassMeasurement     = "measurement"
	StateClassTotalIncreasing = "total_increasing"

	CategoryDiagnostic = "diagnostic"
	CategoryConfig     = "config"
)

// DeviceClassForUnit guesses the device and state class of a numeric unit.
func DeviceClassForUnit(unit string) (deviceClass, stateClass string) {
	switch NumericUnit(unit) {
	case NumericUnitAmp:
		return DeviceClassCurrent, StateClassMeasurement
	case NumericUnitWatt, NumericUnitKiloWatt:
		return DeviceClassPower, StateClassMeasurement
	case NumericUnitKiloWattHour, NumericUnitWattHour:
		return DeviceClassEnergy, StateClassTotalIncreasing
	case NumericUnitVolt:
		return DeviceClassVoltage, StateClassMeasurement
	case NumericUnitDegreeC, "℃":
		return DeviceClassTemperature, StateClassMeasurement
	case NumericUnitPercent:
		return DeviceClassBattery, StateClassMeasurement
	case NumericUnitHertz:
		return DeviceClassFrequency, StateClassMeasurement
	case NumericUnitVoltAmpereReactive, NumericUnitKilovoltAmpereReactive:
		return DeviceClassReactive, StateClassMeasurement
	case NumericUnitVoltAmpere, NumericUnitKiloVoltAmpere:
		return DeviceClassApparent, StateClassMeasurement
	case "":
		return "", ""
	default:
		return "", StateClassMeasurement
	}
}
