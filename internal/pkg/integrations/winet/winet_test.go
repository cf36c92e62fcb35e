package winet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/model"
	"github.com/anicoll/pollbridge/internal/pkg/publisher"
)

const properties = `# WiNet i18n
I18N_COMMON_TOTAL_DCPOWER=Total DC Power
I18N_RUNNING_STATUS=Running Status
I18N_COMMON_RUNNING=Running
I18N_COMMON_AIR_TEM_INSIDE_MACHINE=Internal Air Temperature
I18N_COMMON_BATTERY_SOC=Battery Level (SOC)
I18N_COMMON_BATTERY_VOLTAGE=Battery Voltage
`

const (
	deviceList = `{"count":3,"list":[
		{"id":1,"dev_id":1,"dev_type":35,"dev_sn":"A2231234","dev_model":"SH10RT"},
		{"id":2,"dev_id":2,"dev_type":44,"dev_sn":"B7654321","dev_model":"SBR096","dev_name":"Battery"},
		{"id":3,"dev_id":3,"dev_type":21,"dev_sn":"M000","dev_model":"Meter"}]}`
	inverterReal = `{"count":3,"list":[
		{"data_name":"I18N_COMMON_TOTAL_DCPOWER","data_value":"5.12","data_unit":"kW"},
		{"data_name":"I18N_RUNNING_STATUS","data_value":"I18N_COMMON_RUNNING","data_unit":""},
		{"data_name":"I18N_COMMON_AIR_TEM_INSIDE_MACHINE","data_value":"35.2","data_unit":"℃"}]}`
	inverterBattery = `{"count":1,"list":[{"data_name":"I18N_COMMON_BATTERY_SOC","data_value":"83.0","data_unit":"%"}]}`
	inverterDirect  = `{"count":2,"list":[
		{"name":"MPPT1","voltage":"400.0","voltage_unit":"V","current":"5.5","current_unit":"A"},
		{"name":"MPPT2","voltage":"--","voltage_unit":"V","current":"--","current_unit":"A"}]}`
	batteryReal = `{"count":1,"list":[{"data_name":"I18N_COMMON_BATTERY_VOLTAGE","data_value":"--","data_unit":"V"}]}`
)

// fakeDongle speaks enough of the WiNet-S protocol to be polled.
type fakeDongle struct {
	password string

	mu        sync.Mutex
	logins    int
	token     string
	expire    bool
	userLimit bool
	params    []map[string]any
}

func (f *fakeDongle) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeDongle) reply(msg []byte) string {
	var req map[string]any
	if err := json.Unmarshal(msg, &req); err != nil {
		return ""
	}
	service, _ := req["service"].(string)
	token, _ := req["token"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()

	ok := func(data string) string {
		return `{"result_code":1,"result_msg":"success","result_data":` + data + `}`
	}
	switch service {
	case "connect":
		return ok(`{"service":"connect","token":"anonymous"}`)
	case "login":
		if req["passwd"] != f.password || req["username"] != "admin" {
			return `{"result_code":0,"result_msg":"I18N_COMMON_USER_OR_PASSWORD_ERROR","result_data":{}}`
		}
		f.logins++
		f.token = fmt.Sprintf("session-%d", f.logins)
		return ok(`{"service":"login","token":"` + f.token + `"}`)
	}

	if f.expire || token != f.token {
		f.expire = false
		f.token = ""
		return `{"result_code":100,"result_msg":"login timeout","result_data":{}}`
	}
	switch service {
	case "devicelist":
		return ok(deviceList)
	case "real":
		if req["dev_id"] == "2" {
			return ok(batteryReal)
		}
		return ok(inverterReal)
	case "real_battery":
		return ok(inverterBattery)
	case "direct":
		if f.userLimit {
			return `{"result_code":1,"result_msg":"normal user limit","result_data":{}}`
		}
		return ok(inverterDirect)
	case "param":
		f.params = append(f.params, req)
		return ok(`{"count":1,"list":[{"result":0,"param_pid":1,"param_id":1}]}`)
	}
	return `{"result_code":0,"result_msg":"unknown service","result_data":{}}`
}

func (f *fakeDongle) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/i18n/en_US.properties", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(properties))
	})
	mux.HandleFunc("/ws/home/overview", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				continue
			}
			res := f.reply(msg)
			// replies arrive split over two frames
			half := len(res) / 2
			if conn.WriteMessage(websocket.TextMessage, []byte(res[:half])) != nil ||
				conn.WriteMessage(websocket.TextMessage, []byte(res[half:])) != nil {
				return
			}
		}
	})
	return mux
}

func serve(t *testing.T, f *fakeDongle) (*Integration, map[string]string) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	i := New(srv.Client())
	i.wsURL = func(string, bool) string {
		return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/home/overview"
	}
	i.propertiesURL = func(string) string {
		return srv.URL + "/i18n/en_US.properties"
	}
	return i, map[string]string{"host": "127.0.0.1", "password": f.password}
}

func TestFetch(t *testing.T) {
	f := &fakeDongle{password: "pw"}
	i, data := serve(t, f)
	c := i.client(data, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = c.Close() })

	snap, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Devices, 2, "unsupported device types are skipped")

	inverter := snap.Devices[0]
	assert.Equal(t, "SH10RT A2231234", inverter.Device.Name)
	assert.Equal(t, []string{
		"total_dc_power", "running_status", "internal_air_temperature", "battery_level_soc",
		"mppt1_voltage", "mppt1_current", "mppt1_power",
		"mppt2_voltage", "mppt2_current", "mppt2_power",
	}, inverter.Keys)

	r, ok := snap.Reading("A2231234", "running_status")
	require.True(t, ok)
	assert.Equal(t, "Running", *r.Value, "I18N values are translated")

	r, _ = snap.Reading("A2231234", "mppt1_power")
	assert.Equal(t, "2200", *r.Value)
	assert.Equal(t, "W", r.Unit)
	r, _ = snap.Reading("A2231234", "mppt2_power")
	assert.Nil(t, r.Value)

	r, ok = snap.Reading("B7654321", "battery_voltage")
	require.True(t, ok)
	assert.Nil(t, r.Value, "-- reads as unknown")

	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.loginCount(), "session is reused between polls")
}

func TestFetch_SessionExpired(t *testing.T) {
	f := &fakeDongle{password: "pw"}
	i, data := serve(t, f)
	c := i.client(data, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.expire = true
	f.mu.Unlock()

	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.loginCount())
}

func TestFetch_UserLimitSkipsStage(t *testing.T) {
	f := &fakeDongle{password: "pw", userLimit: true}
	i, data := serve(t, f)
	c := i.client(data, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = c.Close() })

	snap, err := c.Fetch(context.Background())
	require.NoError(t, err)
	_, ok := snap.Reading("A2231234", "mppt1_voltage")
	assert.False(t, ok)
	_, ok = snap.Reading("A2231234", "total_dc_power")
	assert.True(t, ok)
}

func TestFetch_BadPassword(t *testing.T) {
	f := &fakeDongle{password: "pw"}
	i, data := serve(t, f)
	data["password"] = "wrong"
	c := i.client(data, zaptest.NewLogger(t), nil)

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrAuthFailed)
}

func TestFlow(t *testing.T) {
	f := &fakeDongle{password: "pw"}
	i, data := serve(t, f)
	flow := i.Flow()

	info, err := flow.Validate(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "A2231234", info.UniqueID)
	assert.Equal(t, "SH10RT A2231234", info.Title)
	assert.Equal(t, "SH10RT", info.Data["model"])

	data["password"] = "nope"
	_, err = flow.Validate(context.Background(), data)
	assert.ErrorIs(t, err, coordinator.ErrAuthFailed)

	_, err = flow.Validate(context.Background(), map[string]string{"host": "bad host"})
	var cfgErr *configflow.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, configflow.CodeInvalidHost, cfgErr.Code)

	assert.Len(t, flow.Fields(configflow.StepReauthConfirm), 2)
}

func TestFlow_CannotConnect(t *testing.T) {
	i := New(nil)
	i.wsURL = func(string, bool) string { return "ws://127.0.0.1:1/ws/home/overview" }
	i.propertiesURL = func(string) string { return "http://127.0.0.1:1/i18n/en_US.properties" }

	_, err := i.Flow().Validate(context.Background(), map[string]string{"host": "127.0.0.1", "password": "pw"})
	assert.ErrorIs(t, err, configflow.ErrCannotConnect)
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	f := &fakeDongle{password: "pw"}
	i, data := serve(t, f)
	logger := zaptest.NewLogger(t)
	pub := publisher.New(logger)
	host := &integration.Host{
		Logger: logger,
		Clock:  testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Writer: pub,
	}
	entry := model.ConfigEntry{ID: "e1", Domain: Domain, Title: "SH10RT A2231234", UniqueID: "A2231234", Data: data}

	rt, err := i.Setup(ctx, host, entry)
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Unload() })

	assert.Len(t, rt.Devices, 2)
	assert.Len(t, rt.Entities, 11)

	temp, ok := pub.State("sensor.sh10rt_a2231234_internal_air_temperature")
	require.True(t, ok)
	assert.Equal(t, "35.2", *temp.Value)
	assert.Equal(t, model.NumericUnitDegreeC.String(), temp.Unit)
	assert.Equal(t, model.DeviceClassTemperature, temp.DeviceClass)

	status, ok := pub.State("sensor.sh10rt_a2231234_running_status")
	require.True(t, ok)
	assert.Equal(t, "Running", *status.Value)
	assert.Equal(t, model.CategoryDiagnostic, status.Category)

	voltage, ok := pub.State("sensor.battery_battery_voltage")
	require.True(t, ok)
	assert.Nil(t, voltage.Value)
}

func TestServices(t *testing.T) {
	ctx := context.Background()
	f := &fakeDongle{password: "pw"}
	i, data := serve(t, f)
	c := i.client(data, zaptest.NewLogger(t), testingclock.NewFakePassiveClock(time.UnixMilli(1700000000000)))
	t.Cleanup(func() { _ = c.Close() })
	var pushed []Snapshot
	svc := services(c, func(s Snapshot) { pushed = append(pushed, s) })

	require.NoError(t, svc["force_charge"](ctx, map[string]string{"power": "3.5"}))
	require.NoError(t, svc["set_feed_in_limitation"](ctx, map[string]string{"enabled": "false"}))
	require.NoError(t, svc["set_inverter_enabled"](ctx, map[string]string{"enabled": "true"}))
	require.NoError(t, svc["self_consumption"](ctx, nil))

	err := svc["force_discharge"](ctx, map[string]string{"power": "lots"})
	var cfgErr *configflow.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "power", cfgErr.Field)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.params, 4)

	charge := f.params[0]
	assert.Equal(t, "1700000000000", charge["time123456"])
	assert.Equal(t, "session-1", charge["token"])
	list := charge["list"].([]any)
	require.Len(t, list, 3)
	assert.Equal(t, "2", list[0].(map[string]any)["param_value"])
	assert.Equal(t, "170", list[1].(map[string]any)["param_value"])
	assert.Equal(t, "3.50", list[2].(map[string]any)["param_value"])

	feedIn := f.params[1]["list"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(feedInLimitationAddr), feedIn["param_addr"])
	assert.Equal(t, "85", feedIn["param_value"])

	power := f.params[2]
	assert.Equal(t, "3", power["type"])
	assert.Equal(t, "1", power["list"].([]any)[0].(map[string]any)["power_switch"])

	require.Len(t, pushed, 4, "state is read back after each command")
	assert.Len(t, pushed[0].Devices, 2)
	assert.Equal(t, 1, f.logins)
}

func TestParseProperties(t *testing.T) {
	props, err := parseProperties(strings.NewReader("a=b\n\n# comment\nbroken\nc=d=e\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b", "c": "d=e"}, props)
}
