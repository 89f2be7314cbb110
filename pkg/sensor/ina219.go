package sensor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	regConfig      = 0x00
	regShunt       = 0x01
	regBus         = 0x02
	regPower       = 0x03
	regCurrent     = 0x04
	regCalibration = 0x05

	// 32V range, gain /8, 12-bit bus and shunt ADC, continuous conversion.
	configDefault uint16 = 0x2000 | 0x1800 | 0x0180 | 0x0018 | 0x0007

	DefaultCalibrationValue uint16 = 4096
	DefaultSettle                  = 10 * time.Millisecond
)

// INA219Sensor reads bus voltage, shunt voltage, current and power from up
// to two INA219 devices sharing one bus.
type INA219Sensor struct {
	mu       sync.Mutex
	devs     map[ChannelID]*i2c.Dev
	bus      i2c.BusCloser
	cal      Calibration
	calValue uint16
	settle   time.Duration
}

type INA219Options struct {
	Calibration      Calibration
	CalibrationValue uint16
	Settle           time.Duration
}

// OpenINA219 initialises the host drivers, opens the named bus and
// configures every device in addrs.
func OpenINA219(busName string, addrs map[ChannelID]uint16, opts INA219Options) (*INA219Sensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	s, err := NewINA219(bus, addrs, opts)
	if err != nil {
		bus.Close()
		return nil, err
	}
	s.bus = bus
	return s, nil
}

// NewINA219 configures the devices on an already opened bus. The caller keeps
// ownership of bus.
func NewINA219(bus i2c.Bus, addrs map[ChannelID]uint16, opts INA219Options) (*INA219Sensor, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("ina219: no addresses configured")
	}
	if opts.CalibrationValue == 0 {
		opts.CalibrationValue = DefaultCalibrationValue
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	s := &INA219Sensor{
		devs:     make(map[ChannelID]*i2c.Dev, len(addrs)),
		cal:      opts.Calibration.withDefaults(),
		calValue: opts.CalibrationValue,
		settle:   opts.Settle,
	}

	ids := make([]int, 0, len(addrs))
	for ch := range addrs {
		ids = append(ids, int(ch))
	}
	sort.Ints(ids)
	for _, id := range ids {
		ch := ChannelID(id)
		dev := &i2c.Dev{Addr: addrs[ch], Bus: bus}
		if _, err := readRegister(dev, regConfig); err != nil {
			return nil, fmt.Errorf("ina219 %s at 0x%02x not responding: %w", ch, addrs[ch], err)
		}
		if err := writeRegister(dev, regCalibration, s.calValue); err != nil {
			return nil, fmt.Errorf("ina219 %s write calibration: %w", ch, err)
		}
		if err := writeRegister(dev, regConfig, configDefault); err != nil {
			return nil, fmt.Errorf("ina219 %s write config: %w", ch, err)
		}
		s.devs[ch] = dev
	}
	return s, nil
}

func (s *INA219Sensor) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

// ReadChannel reads bus, shunt, current and power in that order. The
// calibration register is rewritten before the current and power reads since
// the device may have been reset.
func (s *INA219Sensor) ReadChannel(ctx context.Context, ch ChannelID) (ChannelSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devs[ch]
	if !ok {
		return ChannelSample{}, errcode.New(errcode.SensorReadFailed, "ina219.read", fmt.Errorf("%s not configured", ch))
	}
	fail := func(what string, err error) (ChannelSample, error) {
		return ChannelSample{}, errcode.New(errcode.SensorReadFailed, "ina219.read "+ch.String()+" "+what, err)
	}

	bus, err := readRegister(dev, regBus)
	if err != nil {
		return fail("bus", err)
	}
	if err := s.wait(ctx); err != nil {
		return fail("bus", err)
	}
	shunt, err := readRegister(dev, regShunt)
	if err != nil {
		return fail("shunt", err)
	}
	if err := s.wait(ctx); err != nil {
		return fail("shunt", err)
	}
	if err := writeRegister(dev, regCalibration, s.calValue); err != nil {
		return fail("calibration", err)
	}
	current, err := readRegister(dev, regCurrent)
	if err != nil {
		return fail("current", err)
	}
	if err := s.wait(ctx); err != nil {
		return fail("current", err)
	}
	if err := writeRegister(dev, regCalibration, s.calValue); err != nil {
		return fail("calibration", err)
	}
	power, err := readRegister(dev, regPower)
	if err != nil {
		return fail("power", err)
	}

	// bus voltage sits in bits 15..3
	return s.cal.Convert(int16(bus>>3), int16(shunt), int16(current), int16(power)), nil
}

func (s *INA219Sensor) wait(ctx context.Context) error {
	if s.settle == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func readRegister(dev *i2c.Dev, reg byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := dev.Tx([]byte{reg}, buf); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func writeRegister(dev *i2c.Dev, reg byte, v uint16) error {
	return dev.Tx([]byte{reg, byte(v >> 8), byte(v)}, nil)
}
