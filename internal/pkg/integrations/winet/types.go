package winet

import "slices"

type Service string

func (s Service) String() string {
	return string(s)
}

const (
	Connect     Service = "connect"
	Login       Service = "login"
	DeviceList  Service = "devicelist"
	Direct      Service = "direct"
	Local       Service = "local"
	Notice      Service = "notice"
	Statistics  Service = "statistics"
	Param       Service = "param"
	Real        Service = "real"         /// time123456 (epoch)
	RealBattery Service = "real_battery" /// time123456 (epoch)
)

type DeviceType int

const (
	DeviceTypeInverter DeviceType = 35
	DeviceTypeBattery  DeviceType = 44
)

// deviceStages lists the queries made for each supported device type.
var deviceStages = map[DeviceType][]Service{
	DeviceTypeBattery: {
		Real,
	},
	DeviceTypeInverter: {
		Real,
		RealBattery,
		Direct,
	},
}

type TextSensor string

const (
	BatteryOperatorTextSensor TextSensor = "battery_operation_status"
	RunningStatusTextSensor   TextSensor = "running_status"
)

func (t TextSensor) String() string {
	return string(t)
}

var textSensors = []TextSensor{
	BatteryOperatorTextSensor,
	RunningStatusTextSensor,
}

func isTextSensor(key string) bool {
	return slices.Contains(textSensors, TextSensor(key))
}

const (
	resultSuccess   = "success"
	resultUserLimit = "normal user limit"
	resultTimeout   = "login timeout"
)
