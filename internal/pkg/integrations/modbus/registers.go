package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

type kind int

const (
	u16 kind = iota
	s16
	u32
	s32
)

func (k kind) words() uint16 {
	if k == u32 || k == s32 {
		return 2
	}
	return 1
}

// register is one input register. Addresses are zero based as sent on the
// wire; 32 bit values are stored low word first.
type register struct {
	Key     string
	Name    string
	Address uint16
	Kind    kind
	Scale   float64
	Unit    model.NumericUnit
}

// block is a contiguous range read with a single request.
type block struct {
	Start    uint16
	Quantity uint16
}

const (
	serialAddress  uint16 = 4989
	serialQuantity uint16 = 10
)

var blocks = []block{
	{Start: 4999, Quantity: 40},
	{Start: 12999, Quantity: 27},
}

var registers = []register{
	{Key: "nominal_power", Name: "Nominal Output Power", Address: 5000, Kind: u16, Scale: 0.1, Unit: model.NumericUnitKiloWatt},
	{Key: "daily_output_energy", Name: "Daily Output Energy", Address: 5002, Kind: u16, Scale: 0.1, Unit: model.NumericUnitKiloWattHour},
	{Key: "total_output_energy", Name: "Total Output Energy", Address: 5003, Kind: u32, Scale: 1, Unit: model.NumericUnitKiloWattHour},
	{Key: "internal_temperature", Name: "Internal Temperature", Address: 5007, Kind: s16, Scale: 0.1, Unit: model.NumericUnitDegreeC},
	{Key: "mppt1_voltage", Name: "MPPT1 Voltage", Address: 5010, Kind: u16, Scale: 0.1, Unit: model.NumericUnitVolt},
	{Key: "mppt1_current", Name: "MPPT1 Current", Address: 5011, Kind: u16, Scale: 0.1, Unit: model.NumericUnitAmp},
	{Key: "mppt2_voltage", Name: "MPPT2 Voltage", Address: 5012, Kind: u16, Scale: 0.1, Unit: model.NumericUnitVolt},
	{Key: "mppt2_current", Name: "MPPT2 Current", Address: 5013, Kind: u16, Scale: 0.1, Unit: model.NumericUnitAmp},
	{Key: "total_dc_power", Name: "Total DC Power", Address: 5016, Kind: u32, Scale: 1, Unit: model.NumericUnitWatt},
	{Key: "phase_a_voltage", Name: "Phase A Voltage", Address: 5018, Kind: u16, Scale: 0.1, Unit: model.NumericUnitVolt},
	{Key: "reactive_power", Name: "Reactive Power", Address: 5032, Kind: s32, Scale: 1, Unit: model.NumericUnitVoltAmpereReactive},
	{Key: "grid_frequency", Name: "Grid Frequency", Address: 5035, Kind: u16, Scale: 0.1, Unit: model.NumericUnitHertz},
	{Key: "daily_pv_generation", Name: "Daily PV Generation", Address: 13000, Kind: u16, Scale: 0.1, Unit: model.NumericUnitKiloWattHour},
	{Key: "load_power", Name: "Load Power", Address: 13006, Kind: s32, Scale: 1, Unit: model.NumericUnitWatt},
	{Key: "export_power", Name: "Export Power", Address: 13008, Kind: s32, Scale: 1, Unit: model.NumericUnitWatt},
	{Key: "battery_voltage", Name: "Battery Voltage", Address: 13018, Kind: u16, Scale: 0.1, Unit: model.NumericUnitVolt},
	{Key: "battery_current", Name: "Battery Current", Address: 13019, Kind: s16, Scale: 0.1, Unit: model.NumericUnitAmp},
	{Key: "battery_power", Name: "Battery Power", Address: 13020, Kind: u16, Scale: 1, Unit: model.NumericUnitWatt},
	{Key: "battery_level", Name: "Battery Level", Address: 13021, Kind: u16, Scale: 0.1, Unit: model.NumericUnitPercent},
	{Key: "battery_health", Name: "Battery State Of Health", Address: 13022, Kind: u16, Scale: 0.1, Unit: model.NumericUnitPercent},
	{Key: "battery_temperature", Name: "Battery Temperature", Address: 13023, Kind: s16, Scale: 0.1, Unit: model.NumericUnitDegreeC},
}

const runningStateAddress uint16 = 12999

// decode reads one register out of a block's raw bytes.
func (r register) decode(b block, raw []byte) (float64, error) {
	if r.Address < b.Start || r.Address+r.Kind.words() > b.Start+b.Quantity {
		return 0, fmt.Errorf("register %d outside block %d+%d", r.Address, b.Start, b.Quantity)
	}
	off := int(r.Address-b.Start) * 2
	if len(raw) < off+int(r.Kind.words())*2 {
		return 0, fmt.Errorf("short read for register %d: %d bytes", r.Address, len(raw))
	}
	var v float64
	switch r.Kind {
	case u16:
		v = float64(binary.BigEndian.Uint16(raw[off:]))
	case s16:
		v = float64(int16(binary.BigEndian.Uint16(raw[off:])))
	case u32:
		v = float64(word32(raw[off:]))
	case s32:
		v = float64(int32(word32(raw[off:])))
	}
	return round(v*r.Scale, 3), nil
}

func word32(raw []byte) uint32 {
	lo := uint32(binary.BigEndian.Uint16(raw))
	hi := uint32(binary.BigEndian.Uint16(raw[2:]))
	return hi<<16 | lo
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// decodeSerial turns the ASCII serial number registers into a string.
func decodeSerial(raw []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
}

func blockFor(addr, words uint16) (block, bool) {
	for _, b := range blocks {
		if addr >= b.Start && addr+words <= b.Start+b.Quantity {
			return b, true
		}
	}
	return block{}, false
}
