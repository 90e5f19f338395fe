package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaySource(t *testing.T) {
	input := strings.Join([]string{
		`{"timestamp":"2026-01-02T03:04:05Z","source_ip":"10.0.0.1","destination_ip":"10.0.0.2","source_port":40000,"destination_port":443,"protocol":"HTTPS","packet_size":600,"flags":"ACK"}`,
		``,
		`{not json`,
		`{"timestamp":"2026-01-02T03:04:06Z","source_ip":"10.0.0.1","destination_ip":"10.0.0.3","protocol":"ICMP","packet_size":-5}`,
		`{"timestamp":"2026-01-02T03:04:07Z","source_ip":"10.0.0.4","destination_ip":"10.0.0.1","source_port":53,"destination_port":40001,"protocol":"17","packet_size":90}`,
	}, "\n")

	src := NewReplaySource(strings.NewReader(input))
	ctx := context.Background()

	// 1. A valid record maps its application protocol onto TCP.
	rec, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolTCP, rec.Protocol)
	assert.Equal(t, uint32(600), rec.Size)

	// 2. The blank line is skipped; the broken one is a DataError.
	_, err = src.Next(ctx)
	var dataErr *model.DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, "record", dataErr.Field)

	// 3. Negative size is a DataError; reading continues afterwards.
	_, err = src.Next(ctx)
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, "packet_size", dataErr.Field)

	rec, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolUDP, rec.Protocol)

	// 4. End of input.
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestGenerator(t *testing.T) {
	gen, err := NewGenerator(1000, 42)
	require.NoError(t, err)
	defer gen.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		rec, err := gen.Next(ctx)
		require.NoError(t, err)
		assert.NotNil(t, rec.SrcIP)
		assert.NotNil(t, rec.DstIP)
		assert.GreaterOrEqual(t, rec.Size, uint32(64))
		assert.LessOrEqual(t, rec.Size, uint32(1500))
		assert.False(t, rec.Timestamp.IsZero())
	}
}

func TestGenerator_StopsOnCancel(t *testing.T) {
	gen, err := NewGenerator(1, 1)
	require.NoError(t, err)
	defer gen.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = gen.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGenerator_RejectsZeroRate(t *testing.T) {
	_, err := NewGenerator(0, 1)
	assert.Error(t, err)
}
