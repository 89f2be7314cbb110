package sensor

import (
	"context"
	"math/rand"
	"sync"

	"github.com/ericogr/ina219-logger/pkg/errcode"
)

// FakeSensor produces plausible raw register values around a nominal
// operating point. Used when no hardware is attached and in tests.
type FakeSensor struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	cal  Calibration
	fail map[ChannelID]error
}

func NewFakeSensor(cal Calibration, seed int64) *FakeSensor {
	return &FakeSensor{
		rnd:  rand.New(rand.NewSource(seed)),
		cal:  cal.withDefaults(),
		fail: make(map[ChannelID]error),
	}
}

// FailChannel makes every subsequent read of ch return err. A nil err clears
// the injected failure.
func (f *FakeSensor) FailChannel(ch ChannelID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, ch)
		return
	}
	f.fail[ch] = err
}

func (f *FakeSensor) ReadChannel(ctx context.Context, ch ChannelID) (ChannelSample, error) {
	if err := ctx.Err(); err != nil {
		return ChannelSample{}, errcode.New(errcode.SensorReadFailed, "fake.read", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[ch]; ok {
		return ChannelSample{}, errcode.New(errcode.SensorReadFailed, "fake.read "+ch.String(), err)
	}
	// about 5V on the bus and 100mA through the shunt
	bus := int16(1250 + f.rnd.Intn(11) - 5)
	shunt := int16(1000 + f.rnd.Intn(21) - 10)
	current := int16(1060 + f.rnd.Intn(21) - 10)
	power := int16(250 + f.rnd.Intn(5) - 2)
	return f.cal.Convert(bus, shunt, current, power), nil
}

func (f *FakeSensor) Close() error { return nil }
