package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
)

const defaultTimeout = 5 * time.Second

// Conn is the part of a Modbus TCP client the integration uses.
type Conn interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	Close() error
}

// Dialer opens a connection to an inverter.
type Dialer func(ctx context.Context, host string, port int, slaveID byte) (Conn, error)

type tcpConn struct {
	gomodbus.Client
	handler *gomodbus.TCPClientHandler
}

func (c *tcpConn) Close() error {
	return c.handler.Close()
}

// DialTCP connects with goburrow's TCP handler.
func DialTCP(ctx context.Context, host string, port int, slaveID byte) (Conn, error) {
	timeout, err := dialTimeout(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	handler := gomodbus.NewTCPClientHandler(net.JoinHostPort(host, strconv.Itoa(port)))
	handler.Timeout = timeout
	handler.SlaveId = slaveID
	handler.IdleTimeout = time.Minute
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	// requests on the kept connection use their own timeout, not the dial deadline
	handler.Timeout = defaultTimeout
	return &tcpConn{Client: gomodbus.NewClient(handler), handler: handler}, nil
}

// dialTimeout is defaultTimeout shortened to what is left of ctx's deadline.
func dialTimeout(ctx context.Context, now time.Time) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultTimeout, nil
	}
	left := deadline.Sub(now)
	if left <= 0 {
		return 0, context.DeadlineExceeded
	}
	return min(left, defaultTimeout), nil
}

// Readings is one poll of the register table.
type Readings struct {
	Values       map[string]float64
	RunningState uint16
}

func (r Readings) Value(key string) any {
	v, ok := r.Values[key]
	if !ok {
		return nil
	}
	return v
}

// client keeps one connection open and redials after a failure.
type client struct {
	dial    Dialer
	host    string
	port    int
	slaveID byte

	mu   sync.Mutex
	conn Conn
}

func (c *client) connLocked(ctx context.Context) (Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx, c.host, c.port, c.slaveID)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// dropLocked closes the connection after an I/O error. Modbus exceptions
// leave it open.
func (c *client) dropLocked(err error) {
	var mbErr *gomodbus.ModbusError
	if c.conn == nil || errors.As(err, &mbErr) {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}

func (c *client) Serial(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connLocked(ctx)
	if err != nil {
		return "", err
	}
	raw, err := conn.ReadInputRegisters(serialAddress, serialQuantity)
	if err != nil {
		c.dropLocked(err)
		return "", fmt.Errorf("read serial: %w", err)
	}
	serial := decodeSerial(raw)
	if serial == "" {
		return "", errors.New("inverter reported an empty serial number")
	}
	return serial, nil
}

func (c *client) Read(ctx context.Context) (Readings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connLocked(ctx)
	if err != nil {
		return Readings{}, err
	}

	raws := make(map[uint16][]byte, len(blocks))
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return Readings{}, err
		}
		raw, err := conn.ReadInputRegisters(b.Start, b.Quantity)
		if err != nil {
			c.dropLocked(err)
			return Readings{}, fmt.Errorf("read registers %d+%d: %w", b.Start, b.Quantity, err)
		}
		raws[b.Start] = raw
	}

	readings := Readings{Values: make(map[string]float64, len(registers))}
	for _, r := range registers {
		b, ok := blockFor(r.Address, r.Kind.words())
		if !ok {
			return Readings{}, fmt.Errorf("register %s not covered by any block", r.Key)
		}
		v, err := r.decode(b, raws[b.Start])
		if err != nil {
			return Readings{}, err
		}
		readings.Values[r.Key] = v
	}
	b, _ := blockFor(runningStateAddress, 1)
	state, err := register{Address: runningStateAddress, Kind: u16, Scale: 1}.decode(b, raws[b.Start])
	if err != nil {
		return Readings{}, err
	}
	readings.RunningState = uint16(state)
	return readings, nil
}

func (c *client) WriteRegister(ctx context.Context, address, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connLocked(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.WriteSingleRegister(address, value); err != nil {
		c.dropLocked(err)
		return fmt.Errorf("write register %d: %w", address, err)
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
