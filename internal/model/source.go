package model

import "context"

// Source yields normalized traffic records. Next returns io.EOF at the end of the
// stream and a *DataError for a malformed record, after which the stream continues.
type Source interface {
	Next(ctx context.Context) (TrafficRecord, error)
}

// ScanSource yields raw port probe results. Next returns io.EOF at the end of the stream.
type ScanSource interface {
	Next(ctx context.Context) (ProbeResult, error)
}
