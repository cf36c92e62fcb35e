package winet

const EnglishLang string = "en_us"

type Request struct {
	Lang    string `json:"lang"`
	Service string `json:"service"`
	Token   string `json:"token"`
}

type ParsedResult[T any] struct {
	ResultCode    int    `json:"result_code"`
	ResultMessage string `json:"result_msg"`
	ResultData    T      `json:"result_data"`
}

type GenericResponse[T any] struct {
	Count   int    `json:"count"`
	Service string `json:"service"`
	List    []T    `json:"list"`
}

type GenericUnit struct {
	DataName  string `json:"data_name"`
	DataValue string `json:"data_value"`
	DataUnit  string `json:"data_unit"`
}

type DirectUnit struct {
	Name        string `json:"name"`
	Voltage     string `json:"voltage"`
	VoltageUnit string `json:"voltage_unit"`
	Current     string `json:"current"`
	CurrentUnit string `json:"current_unit"`
}

type ConnectRequest struct {
	Request
}

type SessionResponse struct {
	Service string `json:"service"`
	Token   string `json:"token"`
	UID     int    `json:"uid"`
}

type LoginRequest struct {
	Request
	Password string `json:"passwd"`
	Username string `json:"username"`
}

type DeviceListRequest struct {
	Request
	IsCheckToken string `json:"is_check_token"`
	Type         string `json:"type"`
}

type DeviceListObject struct {
	ID           int        `json:"id"`
	DeviceID     int        `json:"dev_id"`
	DevCode      int        `json:"dev_code"`
	DevType      DeviceType `json:"dev_type"`
	DevProtocol  int        `json:"dev_protocol"`
	InverterType int        `json:"inv_type"`
	DevSN        string     `json:"dev_sn"`
	DevName      string     `json:"dev_name"`
	DevModel     string     `json:"dev_model"`
	PortName     string     `json:"port_name"`
	LinkStatus   int        `json:"link_status"`
	InitStatus   int        `json:"init_status"`
}

type RealRequest struct {
	Request
	DeviceID string `json:"dev_id"`
	Time     string `json:"time123456"`
}

type InverterUpdateRequest struct {
	Request
	Time           string                 `json:"time123456"`
	ParkSerial     string                 `json:"park_serial"`
	DevCode        int                    `json:"dev_code"`
	DevType        DeviceType             `json:"dev_type"`
	DevIDArray     []string               `json:"devid_array"`
	Type           string                 `json:"type"`
	Count          string                 `json:"count"`
	CurrentPackNum int                    `json:"current_pack_num"`
	PackNumTotal   int                    `json:"pack_num_total"`
	List           []InverterParamRequest `json:"list"`
}

type PowerSwitch struct {
	PowerSwitch string `json:"power_switch"`
}

type DisableInverterRequest struct {
	Request
	DevCode    int           `json:"dev_code"`
	DevType    DeviceType    `json:"dev_type"`
	DevIDArray []string      `json:"devid_array"`
	Type       string        `json:"type"`
	Count      string        `json:"count"`
	List       []PowerSwitch `json:"list"`
}

type InverterParamRequest struct {
	Accuracy   int    `json:"accuracy"`
	ParamAddr  int    `json:"param_addr"`
	ParamID    int    `json:"param_id"`
	ParamType  int    `json:"param_type"`
	ParamValue string `json:"param_value"`
	ParamName  string `json:"param_name"`
}

type InverterParamResponse struct {
	Result    int    `json:"result"`
	ParamAddr int    `json:"param_pid"`
	ParamID   int    `json:"param_id"`
	ParamName string `json:"param_name"`
}
