package model

import "time"

// BaselineProfile is the running estimate of one metric under one profile.
// Count and M2 carry the Welford state so a reloaded profile resumes exactly.
type BaselineProfile struct {
	ProfileName   string
	MetricName    string
	Mean          float64
	StdDev        float64
	ThresholdHigh float64
	ThresholdLow  float64
	LastUpdated   time.Time
	Count         uint64
	M2            float64
}
