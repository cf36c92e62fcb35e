package winet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/model"
	"github.com/anicoll/pollbridge/pkg/sockets"
)

const (
	pingInterval      = 4 * time.Second
	handshakeTimeout  = 10 * time.Second
	maxStoredDataSize = 1 << 20
)

var (
	errRequestFailed = errors.New("request failed")
	errLoginTimeout  = errors.New("login timeout")
	errUserLimit     = errors.New("normal user limit")
)

// Reading is one named value reported by a device.
type Reading struct {
	Name  string
	Unit  string
	Value *string
}

type DeviceData struct {
	Device   model.Device
	Type     DeviceType
	Readings map[string]Reading
	// Keys holds reading keys in the order the device reported them.
	Keys []string
}

func (d *DeviceData) add(name, unit string, value *string) {
	key := entity.Slugify(name)
	if _, ok := d.Readings[key]; !ok {
		d.Keys = append(d.Keys, key)
	}
	d.Readings[key] = Reading{Name: name, Unit: unit, Value: value}
}

// Snapshot is one complete poll of every supported device.
type Snapshot struct {
	Devices []DeviceData
}

func (s Snapshot) Reading(serial, key string) (Reading, bool) {
	for _, d := range s.Devices {
		if d.Device.SerialNumber == serial {
			r, ok := d.Readings[key]
			return r, ok
		}
	}
	return Reading{}, false
}

type connection interface {
	Dial(ctx context.Context, url string) error
	Request(ctx context.Context, payload []byte) ([]byte, error)
	IsConnected() bool
	Close() error
}

type client struct {
	http          *http.Client
	wsURL         string
	propertiesURL string
	username      string
	password      string
	clock         clock.PassiveClock
	logger        *zap.Logger
	newConn       func() connection

	// mu serialises polls and commands on the single session.
	mu             sync.Mutex
	conn           connection
	token          string
	properties     map[string]string
	connectionTime time.Time
	inverterID     string
}

func (c *client) defaultConn() connection {
	return sockets.New(
		sockets.InsecureSkipVerify(),
		sockets.WithHandshakeTimeout(handshakeTimeout),
		sockets.WithPingInterval(pingInterval),
		sockets.WithPingMsg([]byte("ping")),
		sockets.WithMaxStoredDataSize(maxStoredDataSize),
		sockets.WithLogger(c.logger),
	)
}

// Fetch runs a full query cycle. An expired session is re-established once.
func (c *client) Fetch(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.fetch(ctx)
	if errors.Is(err, errLoginTimeout) {
		c.logger.Info("session expired", zap.Duration("session_age", c.clock.Since(c.connectionTime)))
		c.disconnect()
		snap, err = c.fetch(ctx)
	}
	if err != nil {
		c.disconnect()
		return Snapshot{}, err
	}
	return snap, nil
}

func (c *client) fetch(ctx context.Context) (Snapshot, error) {
	if err := c.ensureSession(ctx); err != nil {
		return Snapshot{}, err
	}
	devices, err := c.deviceList(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{}
	for _, device := range devices {
		stages := deviceStages[device.DevType]
		if len(stages) == 0 {
			continue
		}
		if device.DevType == DeviceTypeInverter {
			c.inverterID = strconv.Itoa(device.DeviceID)
		}
		data := DeviceData{
			Device:   newDevice(device),
			Type:     device.DevType,
			Readings: map[string]Reading{},
		}
		for _, stage := range stages {
			c.logger.Debug("querying device", zap.String("serial", device.DevSN), zap.String("query_stage", stage.String()))
			var err error
			if stage == Direct {
				err = c.direct(ctx, device.DeviceID, &data)
			} else {
				err = c.real(ctx, stage, device.DeviceID, &data)
			}
			if errors.Is(err, errUserLimit) {
				c.logger.Warn("query skipped, user limit reached", zap.String("query_stage", stage.String()))
				continue
			}
			if err != nil {
				return Snapshot{}, fmt.Errorf("%s %s: %w", device.DevSN, stage, err)
			}
		}
		snap.Devices = append(snap.Devices, data)
	}
	if len(snap.Devices) == 0 {
		return Snapshot{}, errors.New("no supported devices")
	}
	return snap, nil
}

func newDevice(d DeviceListObject) model.Device {
	name := d.DevName
	if name == "" {
		name = strings.TrimSpace(d.DevModel + " " + d.DevSN)
	}
	return model.Device{
		ID:           strconv.Itoa(d.DeviceID),
		Name:         name,
		Model:        d.DevModel,
		Manufacturer: "Sungrow",
		SerialNumber: d.DevSN,
	}
}

func (c *client) ensureSession(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() && c.token != "" {
		return nil
	}
	if err := c.getProperties(ctx); err != nil {
		c.logger.Warn("failed to get properties", zap.Error(err))
	}

	conn := c.newConn()
	c.logger.Debug("connecting to", zap.String("url", c.wsURL))
	if err := conn.Dial(ctx, c.wsURL); err != nil {
		return err
	}
	c.conn = conn
	c.token = ""
	c.connectionTime = c.clock.Now()

	res, err := call[SessionResponse](ctx, c, ConnectRequest{Request: c.request(Connect)})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.token = res.Token

	res, err = call[SessionResponse](ctx, c, LoginRequest{
		Request:  c.request(Login),
		Password: c.password,
		Username: c.username,
	})
	if errors.Is(err, errRequestFailed) {
		return fmt.Errorf("%w: %w", coordinator.ErrAuthFailed, err)
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = res.Token
	c.logger.Debug("logged in", zap.String("url", c.wsURL))
	return nil
}

func (c *client) disconnect() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.token = ""
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
	return nil
}

func (c *client) request(s Service) Request {
	return Request{Lang: EnglishLang, Service: s.String(), Token: c.token}
}

func (c *client) now() string {
	return strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
}

// call sends req and decodes the result data of the reply.
func call[T any](ctx context.Context, c *client, req any) (T, error) {
	var zero T
	payload, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	raw, err := c.conn.Request(ctx, payload)
	if err != nil {
		return zero, err
	}
	res := ParsedResult[T]{}
	if err := json.Unmarshal(raw, &res); err != nil {
		return zero, err
	}
	switch res.ResultMessage {
	case resultSuccess:
		return res.ResultData, nil
	case resultUserLimit:
		return zero, errUserLimit
	case resultTimeout:
		return zero, errLoginTimeout
	default:
		return zero, fmt.Errorf("%w: %d %s", errRequestFailed, res.ResultCode, res.ResultMessage)
	}
}

func (c *client) deviceList(ctx context.Context) ([]DeviceListObject, error) {
	res, err := call[GenericResponse[DeviceListObject]](ctx, c, DeviceListRequest{
		Request:      c.request(DeviceList),
		IsCheckToken: "0",
		Type:         "0",
	})
	if err != nil {
		return nil, fmt.Errorf("devicelist: %w", err)
	}
	return res.List, nil
}

func (c *client) real(ctx context.Context, stage Service, deviceID int, data *DeviceData) error {
	res, err := call[GenericResponse[GenericUnit]](ctx, c, RealRequest{
		Request:  c.request(stage),
		DeviceID: strconv.Itoa(deviceID),
		Time:     c.now(),
	})
	if err != nil {
		return err
	}
	for _, unit := range res.List {
		data.add(c.translate(unit.DataName), unit.DataUnit, c.calculateValue(unit))
	}
	return nil
}

func (c *client) calculateValue(unit GenericUnit) *string {
	if unit.DataValue == "--" {
		return nil
	}
	if !model.IsNumeric(unit.DataUnit) && strings.HasPrefix(unit.DataValue, "I18N_") {
		v := c.translate(unit.DataValue)
		return &v
	}
	v := unit.DataValue
	return &v
}

// direct adds voltage, current and their product for each MPPT string.
func (c *client) direct(ctx context.Context, deviceID int, data *DeviceData) error {
	res, err := call[GenericResponse[DirectUnit]](ctx, c, RealRequest{
		Request:  c.request(Direct),
		DeviceID: strconv.Itoa(deviceID),
		Time:     c.now(),
	})
	if err != nil {
		return err
	}
	for _, d := range res.List {
		name := c.translate(d.Name)
		voltage, current := dashToNil(d.Voltage), dashToNil(d.Current)
		data.add(name+" Voltage", d.VoltageUnit, voltage)
		data.add(name+" Current", d.CurrentUnit, current)
		data.add(name+" Power", model.NumericUnitWatt.String(), power(voltage, current))
	}
	return nil
}

func dashToNil(v string) *string {
	if v == "--" || v == "" {
		return nil
	}
	return &v
}

func power(voltage, current *string) *string {
	if voltage == nil || current == nil {
		return nil
	}
	v, err := strconv.ParseFloat(*voltage, 64)
	if err != nil {
		return nil
	}
	a, err := strconv.ParseFloat(*current, 64)
	if err != nil {
		return nil
	}
	w := strconv.FormatFloat(v*a, 'f', 2, 64)
	w = strings.TrimSuffix(strings.TrimRight(w, "0"), ".")
	return &w
}

// sendParams writes inverter parameters. The session is opened if needed and
// build runs once the token is known.
func (c *client) sendParams(ctx context.Context, build func() any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSession(ctx); err != nil {
		c.disconnect()
		return err
	}
	res, err := call[GenericResponse[InverterParamResponse]](ctx, c, build())
	if err != nil {
		if !errors.Is(err, errRequestFailed) {
			c.disconnect()
		}
		return err
	}
	c.logger.Info("inverter parameters updated", zap.Any("result", res.List))
	return nil
}

func (c *client) deviceIDs() []string {
	if c.inverterID == "" {
		return []string{"1"}
	}
	return []string{c.inverterID}
}
