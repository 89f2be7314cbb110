// Package modbusapi exposes the latest frame as Modbus input registers and
// the logging toggle as coil 0.
//
// Register map, per channel block (sensor1 at 0, sensor2 at 100):
//
//	+0  bus voltage V        float32, two registers, high word first
//	+2  shunt voltage mV     float32
//	+4  current mA           float32
//	+6  power mW             float32
//	+8  bus average V        float32
//	+10 shunt average mV     float32
//	+12 current average mA   float32
//	+14 power average mW     float32
//	+16 raw bus              int16
//	+17 raw shunt            int16
//	+18 raw current          int16
//	+19 raw power            int16
//
// Registers 200-203 hold the frame timestamp in ms as uint64, high word
// first.
package modbusapi

import (
	"log/slog"
	"math"
	"time"

	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
	"github.com/simonvetter/modbus"
)

const (
	channelStride  = 100
	channelWords   = 20
	timestampAddr  = 200
	registerCount  = timestampAddr + 4
	coilLogging    = 0
	DefaultTimeout = 30 * time.Second
	maxClients     = 5
)

type FrameSource interface {
	Latest() (telemetry.Frame, bool)
}

type LoggingSwitch interface {
	Enabled() bool
	SetEnabled(on bool) error
}

// Handler implements modbus.RequestHandler.
type Handler struct {
	frames  FrameSource
	logging LoggingSwitch
	logger  *slog.Logger
}

func NewHandler(frames FrameSource, logging LoggingSwitch, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{frames: frames, logging: logging, logger: logger.With("component", "modbus")}
}

func (h *Handler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	f, ok := h.frames.Latest()
	if !ok {
		return nil, modbus.ErrServerDeviceBusy
	}
	end := int(req.Addr) + int(req.Quantity)
	if req.Quantity == 0 || end > registerCount {
		return nil, modbus.ErrIllegalDataAddress
	}
	regs := Registers(f)
	return regs[req.Addr:end], nil
}

func (h *Handler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *Handler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *Handler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	if req.Addr != coilLogging || req.Quantity != 1 {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		on := req.Args[0]
		if err := h.logging.SetEnabled(on); err != nil {
			h.logger.Warn("set logging from modbus", "enabled", on, "error", err)
			return nil, modbus.ErrServerDeviceFailure
		}
		return []bool{on}, nil
	}
	return []bool{h.logging.Enabled()}, nil
}

// Registers renders f into the full input register image.
func Registers(f telemetry.Frame) []uint16 {
	regs := make([]uint16, registerCount)
	for i, ch := range sensor.Channels {
		s, avg := f.Channel(ch)
		block := regs[i*channelStride : i*channelStride+channelWords]
		for j, v := range []float32{s.BusV, s.ShuntMV, s.CurrentMA, s.PowerMW, avg.BusV, avg.ShuntMV, avg.CurrentMA, avg.PowerMW} {
			bits := math.Float32bits(v)
			block[2*j] = uint16(bits >> 16)
			block[2*j+1] = uint16(bits)
		}
		block[16] = uint16(s.RawBus)
		block[17] = uint16(s.RawShunt)
		block[18] = uint16(s.RawCurrent)
		block[19] = uint16(s.RawPower)
	}
	ts := f.TimestampMs
	for k := 0; k < 4; k++ {
		regs[timestampAddr+k] = uint16(ts >> (48 - 16*k))
	}
	return regs
}

// NewServer starts serving on addr, e.g. "0.0.0.0:502". Stop it with Stop.
func NewServer(addr string, h *Handler) (*modbus.ModbusServer, error) {
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + addr,
		Timeout:    DefaultTimeout,
		MaxClients: maxClients,
	}, h)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	h.logger.Info("modbus listening", "addr", addr)
	return srv, nil
}
