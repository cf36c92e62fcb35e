// Package modbus polls Sungrow hybrid inverters over Modbus TCP.
package modbus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const (
	Domain = "modbus"

	keySlaveID     = "slave_id"
	defaultPort    = 502
	defaultSlaveID = 1

	// running state bit 1 means the inverter is generating.
	runningBit = 1 << 1
)

type Integration struct {
	dial Dialer
}

var _ integration.Integration = (*Integration)(nil)

func New(dial Dialer) *Integration {
	if dial == nil {
		dial = DialTCP
	}
	return &Integration{dial: dial}
}

func (i *Integration) Domain() string {
	return Domain
}

func (i *Integration) Name() string {
	return "Sungrow Modbus"
}

func (i *Integration) Flow() configflow.Handler {
	return &flow{dial: i.dial}
}

func (i *Integration) newClient(entry model.ConfigEntry) *client {
	return &client{
		dial:    i.dial,
		host:    integration.String(entry, integration.KeyHost, ""),
		port:    integration.Int(entry, integration.KeyPort, defaultPort),
		slaveID: byte(integration.Int(entry, keySlaveID, defaultSlaveID)),
	}
}

func (i *Integration) Setup(ctx context.Context, host *integration.Host, entry model.ConfigEntry) (*integration.Runtime, error) {
	c := i.newClient(entry)
	coord := coordinator.New(fmt.Sprintf("%s %s", Domain, entry.Title), host.Interval(entry), c.Read, host.CoordinatorOptions(entry)...)
	if err := coord.FirstRefresh(ctx); err != nil {
		coord.Shutdown()
		_ = c.Close()
		return nil, err
	}

	device := model.Device{
		ID:           entry.UniqueID,
		Name:         entry.Title,
		Model:        integration.String(entry, "model", ""),
		Manufacturer: "Sungrow",
		SerialNumber: entry.UniqueID,
	}
	return &integration.Runtime{
		Coordinator: coord,
		Devices:     []model.Device{device},
		Entities:    entity.Build(entity.Prefix(Domain, entry.UniqueID), descriptions(), coord, device, host.Writer, host.EntityOptions()...),
		Services: map[string]integration.Service{
			"write_register": func(ctx context.Context, params map[string]string) error {
				address, err := parseUint16("address", params["address"])
				if err != nil {
					return err
				}
				value, err := parseUint16("value", params["value"])
				if err != nil {
					return err
				}
				return c.WriteRegister(ctx, address, value)
			},
		},
		Close: c.Close,
	}, nil
}

func parseUint16(field, raw string) (uint16, error) {
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, &configflow.ConfigError{Field: field, Code: configflow.CodeInvalidNumber}
	}
	return uint16(v), nil
}

func descriptions() []entity.Description[Readings] {
	table := make([]entity.Description[Readings], 0, len(registers)+1)
	for _, r := range registers {
		table = append(table, entity.Description[Readings]{
			Key:   r.Key,
			Name:  r.Name,
			Unit:  r.Unit.String(),
			Value: func(rd Readings) any { return rd.Value(r.Key) },
		})
	}
	table = append(table, entity.Description[Readings]{
		Key:         "running",
		Name:        "Running",
		Platform:    model.PlatformBinarySensor,
		DeviceClass: model.DeviceClassRunning,
		Value:       func(rd Readings) any { return rd.RunningState&runningBit != 0 },
	})
	return table
}

type flow struct {
	dial Dialer
}

func (f *flow) Fields(configflow.Step) []configflow.Field {
	return []configflow.Field{
		{Name: integration.KeyHost, Type: configflow.FieldString, Required: true},
		{Name: integration.KeyPort, Type: configflow.FieldInt, Default: strconv.Itoa(defaultPort)},
		{Name: keySlaveID, Type: configflow.FieldInt, Default: strconv.Itoa(defaultSlaveID)},
	}
}

// Validate connects and reads the serial number, which becomes the unique id.
func (f *flow) Validate(ctx context.Context, data map[string]string) (configflow.Info, error) {
	if err := configflow.ValidateHost(integration.KeyHost, data[integration.KeyHost]); err != nil {
		return configflow.Info{}, err
	}
	port := defaultPort
	if raw := data[integration.KeyPort]; raw != "" {
		p, err := configflow.ValidatePort(integration.KeyPort, raw)
		if err != nil {
			return configflow.Info{}, err
		}
		port = p
	}
	slaveID := defaultSlaveID
	if raw := data[keySlaveID]; raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 0 || id > 247 {
			return configflow.Info{}, &configflow.ConfigError{Field: keySlaveID, Code: configflow.CodeInvalidNumber}
		}
		slaveID = id
	}

	c := &client{dial: f.dial, host: data[integration.KeyHost], port: port, slaveID: byte(slaveID)}
	defer c.Close() //nolint:errcheck
	serial, err := c.Serial(ctx)
	if err != nil {
		return configflow.Info{}, fmt.Errorf("%w: %w", configflow.ErrCannotConnect, err)
	}
	return configflow.Info{Title: "Sungrow " + serial, UniqueID: serial}, nil
}
