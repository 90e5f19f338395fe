package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestObservationWire(t *testing.T) {
	obs := model.RawObservation{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
		SrcIP:     "10.1.2.3",
		DstIP:     "2001:db8::1",
		SrcPort:   40000,
		DstPort:   443,
		Protocol:  "TCP",
		Size:      1500,
		Flags:     "SYN|ACK",
	}

	got, err := UnmarshalObservation(MarshalObservation(obs))
	require.NoError(t, err)
	assert.Equal(t, obs, got)
}

func TestObservationWire_KeepsInvalidValues(t *testing.T) {
	// Validation belongs to the ingestor, so out-of-range values must survive the wire.
	obs := model.RawObservation{
		Timestamp: time.Unix(0, 0).UTC().Add(time.Second),
		SrcIP:     "not-an-ip",
		SrcPort:   -1,
		Size:      -42,
	}

	got, err := UnmarshalObservation(MarshalObservation(obs))
	require.NoError(t, err)
	assert.Equal(t, -1, got.SrcPort)
	assert.Equal(t, int64(-42), got.Size)
	assert.Equal(t, "not-an-ip", got.SrcIP)
}

func TestObservationWire_SkipsUnknownFields(t *testing.T) {
	b := MarshalObservation(model.RawObservation{SrcIP: "10.0.0.1"})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	got, err := UnmarshalObservation(b)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.SrcIP)
}

func TestObservationWire_Truncated(t *testing.T) {
	b := MarshalObservation(model.RawObservation{SrcIP: "10.0.0.1"})
	_, err := UnmarshalObservation(b[:len(b)-2])
	assert.Error(t, err)
}

func TestProbeResultWire(t *testing.T) {
	res := model.ProbeResult{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Target:    "192.168.1.10",
		Source:    "192.168.1.2",
		Port:      22,
		Outcome:   model.OutcomeAccepted,
		Banner:    "SSH-2.0-OpenSSH_9.6",
		Latency:   3 * time.Millisecond,
	}

	got, err := UnmarshalProbeResult(MarshalProbeResult(res))
	require.NoError(t, err)
	assert.Equal(t, res, got)
}

func TestTrafficSubscriber_Handle(t *testing.T) {
	s := newTrafficSubscriber(2, zap.NewNop())
	valid := model.RawObservation{
		Timestamp: time.Now().UTC(),
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		Protocol:  "UDP",
		Size:      100,
	}
	invalid := valid
	invalid.Size = -1

	// 1. A valid and an invalid message fill the buffer.
	s.handle(&nats.Msg{Data: MarshalObservation(valid)})
	s.handle(&nats.Msg{Data: MarshalObservation(invalid)})

	// 2. A third message is dropped.
	s.handle(&nats.Msg{Data: MarshalObservation(valid)})
	assert.Equal(t, uint64(1), s.Dropped())

	ctx := context.Background()
	rec, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolUDP, rec.Protocol)

	_, err = s.Next(ctx)
	var dataErr *model.DataError
	assert.True(t, errors.As(err, &dataErr))

	// 3. An empty buffer blocks until the context ends.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScanSubscriber_Handle(t *testing.T) {
	s := newScanSubscriber(4, zap.NewNop())
	s.handle(&nats.Msg{Data: []byte{0xff}})
	s.handle(&nats.Msg{Data: MarshalProbeResult(model.ProbeResult{Target: "10.0.0.9", Port: 80, Outcome: model.OutcomeRefused})})

	res, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", res.Target)
	assert.Equal(t, model.OutcomeRefused, res.Outcome)
	assert.Zero(t, s.Dropped())
}
