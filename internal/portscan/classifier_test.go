package portscan

import (
	"errors"
	"strings"
	"testing"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newClassifier() *Classifier {
	return New(Options{
		Threshold:    15,
		Window:       5 * time.Minute,
		SeverityStep: 0.25,
		RiskyPorts:   []int{21, 23, 445, 3389},
	})
}

func probe(at time.Time, port uint16, outcome model.ProbeOutcome) model.ProbeResult {
	return model.ProbeResult{
		Timestamp: at,
		Target:    "10.0.0.5",
		Source:    "10.0.0.66",
		Port:      port,
		Outcome:   outcome,
	}
}

func TestStateFor(t *testing.T) {
	tests := []struct {
		outcome model.ProbeOutcome
		want    model.PortState
	}{
		{model.OutcomeAccepted, model.PortOpen},
		{model.OutcomeRefused, model.PortClosed},
		{model.OutcomeTimeout, model.PortFiltered},
	}
	for _, tt := range tests {
		got, err := StateFor(tt.outcome)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := StateFor(model.OutcomeUnknown)
	var dataErr *model.DataError
	assert.True(t, errors.As(err, &dataErr))
}

func TestSeverityForRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  model.Severity
	}{
		{0.5, model.SeverityNone},
		{1.0, model.SeverityNone},
		{16.0 / 15, model.SeverityLow},
		{1.25, model.SeverityMedium},
		{20.0 / 15, model.SeverityMedium},
		{1.5, model.SeverityHigh},
		{1.75, model.SeverityCritical},
		{10, model.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityForRatio(tt.ratio, 0.25), "ratio=%v", tt.ratio)
	}
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "SSH", ServiceName(22, ""))
	assert.Equal(t, "HTTPS", ServiceName(443, ""))
	assert.Equal(t, UnknownService, ServiceName(31337, ""))

	// Banners override the port table.
	assert.Equal(t, "SSH", ServiceName(2222, "SSH-2.0-OpenSSH_9.6"))
	assert.Equal(t, "HTTP", ServiceName(22, "HTTP/1.1 400 Bad Request"))
	assert.Equal(t, "FTP", ServiceName(2121, "220 ProFTPD Server ready"))
	assert.Equal(t, "SMTP", ServiceName(2525, "220 mail.example.com ESMTP Postfix"))
	assert.Equal(t, "POP3", ServiceName(1110, "+OK Dovecot ready."))
	assert.Equal(t, "IMAP", ServiceName(1143, "* OK [CAPABILITY IMAP4rev1] ready"))
	assert.Equal(t, "VNC", ServiceName(5901, "RFB 003.008"))
	assert.Equal(t, "Redis", ServiceName(7000, "-NOAUTH Authentication required."))
	assert.Equal(t, "MySQL", ServiceName(3307, "5.7.44-log MySQL Community Server"))

	// An unrecognized banner falls back to the port table.
	assert.Equal(t, "HTTP-Alt", ServiceName(8080, "hello"))
}

func TestTrimBanner(t *testing.T) {
	assert.Equal(t, "SSH-2.0", TrimBanner("  SSH-2.0\r\n"))
	assert.Len(t, TrimBanner(strings.Repeat("x", 500)), maxBannerLength)
	assert.Equal(t, maxBannerLength, len([]rune(TrimBanner(strings.Repeat("é", 300)))))
}

func TestClassify_Result(t *testing.T) {
	c := newClassifier()
	p := probe(t0, 22, model.OutcomeAccepted)
	p.Banner = "SSH-2.0-OpenSSH_9.6\r\n"
	p.Latency = 2 * time.Millisecond

	out, err := c.Classify(p)
	require.NoError(t, err)
	assert.Equal(t, model.PortOpen, out.Result.State)
	assert.Equal(t, "SSH", out.Result.Service)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", out.Result.Banner)
	assert.Equal(t, "10.0.0.5", out.Result.Target)
	assert.Equal(t, 2*time.Millisecond, out.Result.Latency)
	assert.Empty(t, out.Alerts)

	_, err = c.Classify(probe(t0, 80, model.OutcomeUnknown))
	assert.Error(t, err)

	bad := probe(t0, 80, model.OutcomeRefused)
	bad.Target = ""
	_, err = c.Classify(bad)
	assert.Error(t, err)
}

func TestClassify_ScanDetection(t *testing.T) {
	c := newClassifier()
	var alerts []model.Alert

	// 1. Twenty distinct ports within five minutes.
	for i := 0; i < 20; i++ {
		out, err := c.Classify(probe(t0.Add(time.Duration(i)*5*time.Second), uint16(1000+i), model.OutcomeRefused))
		require.NoError(t, err)
		alerts = append(alerts, out.Alerts...)
	}

	// 2. The window crossed the threshold at 16 ports (low) and escalated at 19 (medium).
	require.Len(t, alerts, 2)
	assert.Equal(t, model.SeverityLow, alerts[0].Severity)
	assert.Equal(t, model.SeverityMedium, alerts[1].Severity)
	for _, a := range alerts {
		assert.Equal(t, model.AlertPortScan, a.Type)
		assert.Equal(t, "10.0.0.5", a.DstIP)
		assert.Equal(t, "10.0.0.66", a.SrcIP)
	}

	// 3. Repeating known ports does not re-alert.
	out, err := c.Classify(probe(t0.Add(2*time.Minute), 1000, model.OutcomeRefused))
	require.NoError(t, err)
	assert.Empty(t, out.Alerts)
}

func TestClassify_WindowEvicts(t *testing.T) {
	c := newClassifier()

	// Probes spaced wider than the window never accumulate.
	for i := 0; i < 40; i++ {
		out, err := c.Classify(probe(t0.Add(time.Duration(i)*time.Minute), uint16(2000+i), model.OutcomeTimeout))
		require.NoError(t, err)
		assert.Empty(t, out.Alerts, "probe %d", i)
	}
}

func TestClassify_SingleTargetChecksDoNotAlert(t *testing.T) {
	c := newClassifier()
	for i := 0; i < 100; i++ {
		out, err := c.Classify(probe(t0.Add(time.Duration(i)*time.Second), 443, model.OutcomeAccepted))
		require.NoError(t, err)
		assert.Empty(t, out.Alerts)
	}
}

func TestClassify_RiskyService(t *testing.T) {
	c := newClassifier()

	out, err := c.Classify(probe(t0, 3389, model.OutcomeAccepted))
	require.NoError(t, err)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, model.AlertSuspiciousTraffic, out.Alerts[0].Type)
	assert.Equal(t, model.SeverityMedium, out.Alerts[0].Severity)
	assert.Equal(t, "RDP", out.Alerts[0].Details["service"])

	// A closed risky port is not exposed.
	out, err = c.Classify(probe(t0, 23, model.OutcomeRefused))
	require.NoError(t, err)
	assert.Empty(t, out.Alerts)
}

func TestSweep(t *testing.T) {
	c := newClassifier()
	_, err := c.Classify(probe(t0, 80, model.OutcomeRefused))
	require.NoError(t, err)
	other := probe(t0.Add(4*time.Minute), 80, model.OutcomeRefused)
	other.Target = "10.0.0.6"
	_, err = c.Classify(other)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Tracked())

	assert.Equal(t, 1, c.Sweep(t0.Add(6*time.Minute)))
	assert.Equal(t, 1, c.Tracked())
}
