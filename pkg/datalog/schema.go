// Package datalog writes frames to CSV log files, one file per session.
package datalog

import (
	"strconv"
	"strings"

	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
)

const datetimeLayout = "2006-01-02 15:04:05"

var channelColumns = []string{
	"bus_voltage", "shunt_voltage", "current", "power",
	"raw_bus", "raw_shunt", "raw_current", "raw_power",
	"bus_avg", "shunt_avg", "current_avg", "power_avg",
}

// Columns is the fixed header of every log file.
var Columns = buildColumns()

// Header is the first line of every log file, newline included.
var Header = strings.Join(Columns, ",") + "\n"

func buildColumns() []string {
	cols := []string{"timestamp", "datetime"}
	for _, ch := range sensor.Channels {
		for _, c := range channelColumns {
			cols = append(cols, ch.String()+"_"+c)
		}
	}
	return cols
}

// FormatRow renders f as one CSV line in Columns order. The datetime is local
// time and always quoted.
func FormatRow(f telemetry.Frame) string {
	var b strings.Builder
	b.Grow(256)
	b.WriteString(strconv.FormatUint(f.TimestampMs, 10))
	b.WriteString(`,"`)
	b.WriteString(f.Time.Local().Format(datetimeLayout))
	b.WriteByte('"')
	for _, ch := range sensor.Channels {
		s, avg := f.Channel(ch)
		writeFloats(&b, s.BusV, s.ShuntMV, s.CurrentMA, s.PowerMW)
		writeInts(&b, s.RawBus, s.RawShunt, s.RawCurrent, s.RawPower)
		writeFloats(&b, avg.BusV, avg.ShuntMV, avg.CurrentMA, avg.PowerMW)
	}
	b.WriteByte('\n')
	return b.String()
}

func writeFloats(b *strings.Builder, vs ...float32) {
	for _, v := range vs {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(float64(v), 'f', 6, 64))
	}
}

func writeInts(b *strings.Builder, vs ...int16) {
	for _, v := range vs {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(int(v)))
	}
}
