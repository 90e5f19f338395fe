package ingest

import (
	"errors"
	"testing"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validObservation() model.RawObservation {
	return model.RawObservation{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SrcIP:     "192.168.1.100",
		DstIP:     "8.8.8.8",
		SrcPort:   51234,
		DstPort:   53,
		Protocol:  "UDP",
		Size:      128,
		Flags:     "",
	}
}

func TestNormalize_Valid(t *testing.T) {
	obs := validObservation()
	obs.Protocol = "TCP"
	obs.Flags = "SYN|ACK"

	rec, err := Normalize(obs)
	require.NoError(t, err)

	assert.Equal(t, obs.Timestamp, rec.Timestamp)
	assert.Equal(t, "192.168.1.100", rec.SrcIP.String())
	assert.Len(t, rec.SrcIP, 4)
	assert.Equal(t, uint16(51234), rec.SrcPort)
	assert.Equal(t, uint16(53), rec.DstPort)
	assert.Equal(t, model.ProtocolTCP, rec.Protocol)
	assert.Equal(t, uint32(128), rec.Size)
	assert.True(t, rec.Flags.Has(model.FlagSYN|model.FlagACK))
}

func TestNormalize_DataErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *model.RawObservation)
		field  string
	}{
		{"negative size", func(o *model.RawObservation) { o.Size = -1 }, "packet_size"},
		{"bad protocol", func(o *model.RawObservation) { o.Protocol = "CARRIER-PIGEON" }, "protocol"},
		{"empty protocol", func(o *model.RawObservation) { o.Protocol = "" }, "protocol"},
		{"protocol number out of range", func(o *model.RawObservation) { o.Protocol = "300" }, "protocol"},
		{"bad source", func(o *model.RawObservation) { o.SrcIP = "999.1.1.1" }, "source_ip"},
		{"bad destination", func(o *model.RawObservation) { o.DstIP = "" }, "destination_ip"},
		{"port out of range", func(o *model.RawObservation) { o.DstPort = 70000 }, "destination_port"},
		{"missing timestamp", func(o *model.RawObservation) { o.Timestamp = time.Time{} }, "timestamp"},
		{"timestamp before 1678", func(o *model.RawObservation) { o.Timestamp = time.Date(1200, 1, 1, 0, 0, 0, 0, time.UTC) }, "timestamp"},
		{"bad flags", func(o *model.RawObservation) { o.Flags = "SYN|XMAS" }, "flags"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := validObservation()
			tt.mutate(&obs)

			_, err := Normalize(obs)
			var dataErr *model.DataError
			require.True(t, errors.As(err, &dataErr), "expected DataError, got %v", err)
			assert.Equal(t, tt.field, dataErr.Field)
		})
	}
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		tag  string
		want model.Protocol
	}{
		{"TCP", model.ProtocolTCP},
		{"udp", model.ProtocolUDP},
		{"ICMP", model.ProtocolICMP},
		{"OTHER", model.ProtocolOther},
		{"HTTPS", model.ProtocolTCP},
		{"DNS", model.ProtocolUDP},
		{"6", model.ProtocolTCP},
		{"17", model.ProtocolUDP},
		{"1", model.ProtocolICMP},
		{"58", model.ProtocolICMP},
		{"47", model.ProtocolOther},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseProtocol(tt.tag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObservation_RoundTrip(t *testing.T) {
	obs := validObservation()
	obs.Protocol = "HTTPS"
	obs.Flags = "SYN|ACK"
	rec, err := Normalize(obs)
	require.NoError(t, err)

	raw := Observation(rec)
	assert.Equal(t, "TCP", raw.Protocol)
	assert.Equal(t, "SYN|ACK", raw.Flags)

	again, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestCheckSkew(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := model.TrafficRecord{Timestamp: now.Add(-30 * time.Minute)}

	assert.NoError(t, CheckSkew(rec, now, time.Hour))
	assert.NoError(t, CheckSkew(model.TrafficRecord{Timestamp: now.AddDate(-1, 0, 0)}, now, 0), "zero disables the check")

	for _, at := range []time.Time{now.AddDate(-1, 0, 0), now.Add(25 * time.Hour)} {
		err := CheckSkew(model.TrafficRecord{Timestamp: at}, now, time.Hour)
		var dataErr *model.DataError
		require.True(t, errors.As(err, &dataErr), "expected DataError for %s, got %v", at, err)
		assert.Equal(t, "timestamp", dataErr.Field)
	}
}
