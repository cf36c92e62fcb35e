// Package rest polls local JSON APIs such as HomeWizard energy meters.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gosimple/slug"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const (
	Domain  = "rest"
	keyPath = "path"
)

type Integration struct {
	http *http.Client
}

var _ integration.Integration = (*Integration)(nil)

func New(httpClient *http.Client) *Integration {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Integration{http: httpClient}
}

func (i *Integration) Domain() string {
	return Domain
}

func (i *Integration) Name() string {
	return "Local JSON API"
}

func (i *Integration) Flow() configflow.Handler {
	return &flow{http: i.http}
}

func (i *Integration) client(data map[string]string) *client {
	entry := model.ConfigEntry{Data: data}
	return newClient(i.http,
		integration.String(entry, integration.KeyHost, ""),
		integration.Int(entry, integration.KeyPort, 0),
		integration.Bool(entry, integration.KeySSL, false),
		integration.String(entry, keyPath, defaultDataPath),
		integration.String(entry, integration.KeyToken, ""),
		integration.Duration(entry, integration.KeyTimeout, defaultTimeout),
	)
}

func (i *Integration) Setup(ctx context.Context, host *integration.Host, entry model.ConfigEntry) (*integration.Runtime, error) {
	c := i.client(entry.Data)
	opts := append(host.CoordinatorOptions(entry),
		coordinator.WithTimeout(c.timeout),
		coordinator.WithAlwaysUpdate(false),
	)
	coord := coordinator.New(fmt.Sprintf("%s %s", Domain, entry.Title), host.Interval(entry), c.Fetch, opts...)
	if err := coord.FirstRefresh(ctx); err != nil {
		coord.Shutdown()
		return nil, err
	}

	device := model.Device{
		ID:           entry.UniqueID,
		Name:         entry.Title,
		Model:        integration.String(entry, "product_type", ""),
		SerialNumber: entry.UniqueID,
		SWVersion:    integration.String(entry, "firmware_version", ""),
	}
	data, _ := coord.Data()
	return &integration.Runtime{
		Coordinator: coord,
		Devices:     []model.Device{device},
		Entities:    entity.Build(entity.Prefix(Domain, entry.UniqueID), descriptions(data), coord, device, host.Writer, host.EntityOptions()...),
	}, nil
}

// descriptions creates one entity per leaf present in the first response.
func descriptions(first Data) []entity.Description[Data] {
	table := make([]entity.Description[Data], 0, len(first.Paths()))
	for _, path := range first.Paths() {
		if !first.Has(path) {
			continue
		}
		desc := entity.Description[Data]{
			Key:       keyFor(path),
			Name:      nameFor(path),
			Value:     func(d Data) any { return d.Value(path) },
			Available: func(d Data) bool { return d.Has(path) },
		}
		switch v := first.Value(path).(type) {
		case bool:
			desc.Platform = model.PlatformBinarySensor
		case string:
			desc.Category = model.CategoryDiagnostic
			if strings.HasSuffix(path, "_id") || v == "" {
				desc.Icon = "mdi:identifier"
			}
		default:
			desc.Unit = unitFor(path)
		}
		table = append(table, desc)
	}
	return table
}

// unitSuffixes maps key suffixes to units, longest suffix first.
var unitSuffixes = []struct {
	suffix string
	unit   model.NumericUnit
}{
	{"_kwh", model.NumericUnitKiloWattHour},
	{"_wh", model.NumericUnitWattHour},
	{"_kw", model.NumericUnitKiloWatt},
	{"_var", model.NumericUnitVoltAmpereReactive},
	{"_va", model.NumericUnitVoltAmpere},
	{"_hz", model.NumericUnitHertz},
	{"_pct", model.NumericUnitPercent},
	{"_w", model.NumericUnitWatt},
	{"_v", model.NumericUnitVolt},
	{"_a", model.NumericUnitAmp},
	{"_c", model.NumericUnitDegreeC},
}

func unitFor(path string) string {
	key := strings.ToLower(path[strings.LastIndex(path, ".")+1:])
	for _, s := range unitSuffixes {
		if strings.HasSuffix(key, s.suffix) {
			return s.unit.String()
		}
	}
	return ""
}

func keyFor(path string) string {
	return entity.Slugify(strings.ReplaceAll(path, `\.`, "_"))
}

func nameFor(path string) string {
	words := strings.Fields(strings.NewReplacer(".", " ", "_", " ", `\`, "").Replace(path))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToTitle(r)) + w[size:]
	}
	return slug.Substitute(strings.Join(words, " "), map[string]string{"Pct": "Percent"})
}

type flow struct {
	http *http.Client
}

func (f *flow) Fields(step configflow.Step) []configflow.Field {
	if step == configflow.StepReauthConfirm {
		return []configflow.Field{{Name: integration.KeyToken, Type: configflow.FieldPassword, Required: true}}
	}
	return []configflow.Field{
		{Name: integration.KeyHost, Type: configflow.FieldString, Required: true},
		{Name: integration.KeyPort, Type: configflow.FieldInt},
		{Name: keyPath, Type: configflow.FieldString, Default: defaultDataPath},
		{Name: integration.KeyToken, Type: configflow.FieldPassword},
		{Name: integration.KeySSL, Type: configflow.FieldBool, Default: "false"},
	}
}

// Validate reads the info endpoint. Its serial becomes the unique id.
func (f *flow) Validate(ctx context.Context, data map[string]string) (configflow.Info, error) {
	if err := configflow.ValidateHost(integration.KeyHost, data[integration.KeyHost]); err != nil {
		return configflow.Info{}, err
	}
	if raw := data[integration.KeyPort]; raw != "" {
		if _, err := configflow.ValidatePort(integration.KeyPort, raw); err != nil {
			return configflow.Info{}, err
		}
	}
	c := (&Integration{http: f.http}).client(data)
	info, err := c.Info(ctx)
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrAuthFailed):
		return configflow.Info{}, err
	default:
		return configflow.Info{}, fmt.Errorf("%w: %w", configflow.ErrCannotConnect, err)
	}
	if _, err := c.Fetch(ctx); err != nil {
		return configflow.Info{}, fmt.Errorf("%w: %w", configflow.ErrCannotConnect, err)
	}
	title := info.ProductName
	if title == "" {
		title = info.Serial
	}
	return configflow.Info{
		Title:    title,
		UniqueID: info.Serial,
		Data: map[string]string{
			"product_type":     info.ProductType,
			"firmware_version": info.Firmware,
		},
	}, nil
}
