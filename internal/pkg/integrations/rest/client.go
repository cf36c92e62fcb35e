package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
)

const (
	defaultDataPath = "/api/v1/data"
	infoPath        = "/api"
	defaultTimeout  = 10 * time.Second
	maxBodySize     = 1 << 20
)

var errUnexpectedStatus = errors.New("unexpected status")

// Data is one response of the data endpoint flattened to leaf paths.
type Data struct {
	values map[string]gjson.Result
	order  []string
}

// Value returns the leaf at path as a float64, bool or string. Missing and
// null leaves are nil.
func (d Data) Value(path string) any {
	res, ok := d.values[path]
	if !ok {
		return nil
	}
	switch res.Type {
	case gjson.Number:
		return res.Float()
	case gjson.True, gjson.False:
		return res.Bool()
	case gjson.String:
		return res.String()
	default:
		return nil
	}
}

func (d Data) Has(path string) bool {
	res, ok := d.values[path]
	return ok && res.Type != gjson.Null
}

// Paths lists the leaves in document order.
func (d Data) Paths() []string {
	return d.order
}

// DeviceInfo is the response of the info endpoint.
type DeviceInfo struct {
	ProductName string
	ProductType string
	Serial      string
	Firmware    string
}

type client struct {
	http     *http.Client
	base     string
	dataPath string
	token    string
	timeout  time.Duration
}

func newClient(httpClient *http.Client, host string, port int, ssl bool, dataPath, token string, timeout time.Duration) *client {
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	addr := host
	if port > 0 {
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if dataPath == "" {
		dataPath = defaultDataPath
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		http:     httpClient,
		base:     fmt.Sprintf("%s://%s", scheme, addr),
		dataPath: "/" + strings.TrimPrefix(dataPath, "/"),
		token:    token,
		timeout:  timeout,
	}
}

func (c *client) get(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: %s returned %d", coordinator.ErrAuthFailed, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("%w: %s returned %d", errUnexpectedStatus, path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%s returned invalid json", path)
	}
	return string(body), nil
}

func (c *client) Info(ctx context.Context) (DeviceInfo, error) {
	body, err := c.get(ctx, infoPath)
	if err != nil {
		return DeviceInfo{}, err
	}
	res := gjson.GetMany(body, "product_name", "product_type", "serial", "firmware_version")
	info := DeviceInfo{
		ProductName: res[0].String(),
		ProductType: res[1].String(),
		Serial:      res[2].String(),
		Firmware:    res[3].String(),
	}
	if info.Serial == "" {
		return DeviceInfo{}, errors.New("device did not report a serial number")
	}
	return info, nil
}

// Fetch reads the data endpoint.
func (c *client) Fetch(ctx context.Context) (Data, error) {
	body, err := c.get(ctx, c.dataPath)
	if err != nil {
		return Data{}, err
	}
	values, order := flatten(gjson.Parse(body))
	return Data{values: values, order: order}, nil
}

// flatten walks objects and arrays down to their leaves. Paths use gjson
// syntax such as "external.0.value".
func flatten(root gjson.Result) (map[string]gjson.Result, []string) {
	values := make(map[string]gjson.Result)
	var order []string
	var walk func(prefix string, r gjson.Result)
	walk = func(prefix string, r gjson.Result) {
		if r.IsObject() || r.IsArray() {
			idx := 0
			r.ForEach(func(key, value gjson.Result) bool {
				name := key.String()
				if r.IsArray() {
					name = strconv.Itoa(idx)
					idx++
				}
				name = escape(name)
				if prefix != "" {
					name = prefix + "." + name
				}
				walk(name, value)
				return true
			})
			return
		}
		if prefix == "" {
			return
		}
		values[prefix] = r
		order = append(order, prefix)
	}
	walk("", root)
	return values, order
}

func escape(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}
