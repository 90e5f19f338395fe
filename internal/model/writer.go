package model

import "context"

// Sink is the storage collaborator the analytical core writes into.
type Sink interface {
	InsertIntervalStats(ctx context.Context, stats IntervalStats) error
	InsertScanResult(ctx context.Context, result ScanResult) error
	// UpsertAlert inserts or updates an alert keyed by its id.
	UpsertAlert(ctx context.Context, alert Alert) error
	// UpsertBaseline inserts or updates a profile keyed by (profile, metric).
	UpsertBaseline(ctx context.Context, profile BaselineProfile) error
	// LoadBaselines returns every stored profile, used to seed the store at startup.
	LoadBaselines(ctx context.Context) ([]BaselineProfile, error)
	Close() error
}

// AlertWriter persists alert mutations.
type AlertWriter interface {
	WriteAlert(alert Alert)
}
