// Package winet polls Sungrow inverters and batteries through the WiNet-S
// dongle's websocket API.
package winet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const (
	Domain = "winet"

	defaultUsername = "admin"
	defaultTimeout  = 30 * time.Second
)

type Integration struct {
	http *http.Client
	// wsURL and propertiesURL resolve the dongle endpoints for a host.
	wsURL         func(host string, ssl bool) string
	propertiesURL func(host string) string
	newConn       func(c *client) connection
}

var _ integration.Integration = (*Integration)(nil)

// New uses httpClient to load the i18n table. The dongle serves a self
// signed certificate, so the default client skips verification.
func New(httpClient *http.Client) *Integration {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		}
	}
	return &Integration{
		http:          httpClient,
		wsURL:         wsURL,
		propertiesURL: propertiesURL,
		newConn:       (*client).defaultConn,
	}
}

func wsURL(host string, ssl bool) string {
	u := url.URL{Scheme: "ws", Host: host + ":8082", Path: "/ws/home/overview"}
	if ssl {
		u = url.URL{Scheme: "wss", Host: host + ":443", Path: "/ws/home/overview"}
	}
	return u.String()
}

func propertiesURL(host string) string {
	return "https://" + host + "/i18n/en_US.properties"
}

func (i *Integration) Domain() string {
	return Domain
}

func (i *Integration) Name() string {
	return "Sungrow WiNet-S"
}

func (i *Integration) Flow() configflow.Handler {
	return &flow{integration: i}
}

func (i *Integration) client(data map[string]string, logger *zap.Logger, clk clock.PassiveClock) *client {
	entry := model.ConfigEntry{Data: data}
	host := integration.String(entry, integration.KeyHost, "")
	if logger == nil {
		logger = zap.L()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &client{
		http:          i.http,
		wsURL:         i.wsURL(host, integration.Bool(entry, integration.KeySSL, true)),
		propertiesURL: i.propertiesURL(host),
		username:      integration.String(entry, integration.KeyUsername, defaultUsername),
		password:      integration.String(entry, integration.KeyPassword, ""),
		clock:         clk,
		logger:        logger.With(zap.String("host", host)),
	}
	c.newConn = func() connection { return i.newConn(c) }
	return c
}

func (i *Integration) Setup(ctx context.Context, host *integration.Host, entry model.ConfigEntry) (*integration.Runtime, error) {
	var clk clock.PassiveClock
	if host.Clock != nil {
		clk = host.Clock
	}
	c := i.client(entry.Data, host.Logger, clk)
	opts := append(host.CoordinatorOptions(entry),
		coordinator.WithTimeout(integration.Duration(entry, integration.KeyTimeout, defaultTimeout)))
	coord := coordinator.New(fmt.Sprintf("%s %s", Domain, entry.Title), host.Interval(entry), c.Fetch, opts...)
	if err := coord.FirstRefresh(ctx); err != nil {
		coord.Shutdown()
		_ = c.Close()
		return nil, err
	}

	first, _ := coord.Data()
	rt := &integration.Runtime{
		Coordinator: coord,
		Services:    services(c, coord.SetUpdatedData),
		Close:       c.Close,
	}
	for _, d := range first.Devices {
		rt.Devices = append(rt.Devices, d.Device)
		rt.Entities = append(rt.Entities, entity.Build(
			entity.Prefix(Domain, d.Device.SerialNumber), descriptions(d), coord, d.Device, host.Writer, host.EntityOptions()...,
		)...)
	}
	return rt, nil
}

// descriptions creates one entity per reading the device reported on the
// first poll.
func descriptions(d DeviceData) []entity.Description[Snapshot] {
	serial := d.Device.SerialNumber
	table := make([]entity.Description[Snapshot], 0, len(d.Keys))
	for _, key := range d.Keys {
		r := d.Readings[key]
		desc := entity.Description[Snapshot]{
			Key:  key,
			Name: r.Name,
			Unit: r.Unit,
			Value: func(s Snapshot) any {
				r, ok := s.Reading(serial, key)
				if !ok {
					return nil
				}
				return r.Value
			},
			Available: func(s Snapshot) bool {
				_, ok := s.Reading(serial, key)
				return ok
			},
		}
		if isTextSensor(key) || (r.Unit == "" && !isNumber(r.Value)) {
			desc.Unit = ""
			desc.Icon = "mdi:information-outline"
			desc.Category = model.CategoryDiagnostic
		}
		table = append(table, desc)
	}
	return table
}

func isNumber(v *string) bool {
	if v == nil {
		return false
	}
	_, err := strconv.ParseFloat(*v, 64)
	return err == nil
}

// services exposes the dongle commands. After a command succeeds the new
// state is read back and pushed so entities do not wait for the next tick.
func services(c *client, push func(Snapshot)) map[string]integration.Service {
	readBack := func(ctx context.Context, err error) error {
		if err != nil {
			return err
		}
		snap, err := c.Fetch(ctx)
		if err != nil {
			c.logger.Debug("reading state after command", zap.Error(err))
			return nil
		}
		push(snap)
		return nil
	}
	return map[string]integration.Service{
		"self_consumption": func(ctx context.Context, _ map[string]string) error {
			return readBack(ctx, c.SelfConsumption(ctx))
		},
		"force_charge": func(ctx context.Context, params map[string]string) error {
			power, err := parsePower(params["power"])
			if err != nil {
				return err
			}
			return readBack(ctx, c.ForceCharge(ctx, power))
		},
		"force_discharge": func(ctx context.Context, params map[string]string) error {
			power, err := parsePower(params["power"])
			if err != nil {
				return err
			}
			return readBack(ctx, c.ForceDischarge(ctx, power))
		},
		"set_feed_in_limitation": func(ctx context.Context, params map[string]string) error {
			limited, err := parseBool("enabled", params["enabled"])
			if err != nil {
				return err
			}
			return readBack(ctx, c.SetFeedInLimitation(ctx, limited))
		},
		"set_inverter_enabled": func(ctx context.Context, params map[string]string) error {
			enabled, err := parseBool("enabled", params["enabled"])
			if err != nil {
				return err
			}
			return readBack(ctx, c.SetInverterEnabled(ctx, enabled))
		},
	}
}

type flow struct {
	integration *Integration
}

func (f *flow) Fields(step configflow.Step) []configflow.Field {
	if step == configflow.StepReauthConfirm {
		return []configflow.Field{
			{Name: integration.KeyUsername, Type: configflow.FieldString, Default: defaultUsername},
			{Name: integration.KeyPassword, Type: configflow.FieldPassword, Required: true},
		}
	}
	return []configflow.Field{
		{Name: integration.KeyHost, Type: configflow.FieldString, Required: true},
		{Name: integration.KeyUsername, Type: configflow.FieldString, Default: defaultUsername},
		{Name: integration.KeyPassword, Type: configflow.FieldPassword, Required: true},
		{Name: integration.KeySSL, Type: configflow.FieldBool, Default: "true"},
	}
}

// Validate logs in and polls once. The first inverter's serial becomes the
// unique id.
func (f *flow) Validate(ctx context.Context, data map[string]string) (configflow.Info, error) {
	if err := configflow.ValidateHost(integration.KeyHost, data[integration.KeyHost]); err != nil {
		return configflow.Info{}, err
	}
	c := f.integration.client(data, nil, nil)
	defer c.Close() //nolint:errcheck
	snap, err := c.Fetch(ctx)
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrAuthFailed):
		return configflow.Info{}, err
	default:
		return configflow.Info{}, fmt.Errorf("%w: %w", configflow.ErrCannotConnect, err)
	}

	main := snap.Devices[0]
	for _, d := range snap.Devices {
		if d.Type == DeviceTypeInverter {
			main = d
			break
		}
	}
	return configflow.Info{
		Title:    main.Device.Name,
		UniqueID: main.Device.SerialNumber,
		Data:     map[string]string{"model": main.Device.Model},
	}, nil
}
