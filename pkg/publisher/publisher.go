// Package publisher periodically sends anonymized usage reports to a
// remote metrics collector: an hourly connection report and a daily
// feature report, both gated on the server's metrics opt-in (spec.md §4.9,
// component C9).
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"

	"github.com/Jigsaw-Code/shadowbox/internal/telemetry"
	"github.com/Jigsaw-Code/shadowbox/pkg/serverconfig"
	"github.com/Jigsaw-Code/shadowbox/pkg/usage"
)

// sanctionedCountries is intentionally a superset of the collector's
// authoritative list (CU, IR, KP, SY): the publisher drops anything it
// suspects is sanctioned, and the collector re-validates on receipt
// (spec.md §9 "Set of sanctioned countries drift").
var sanctionedCountries = map[string]bool{
	"CU": true,
	"KP": true,
	"SY": true,
}

// UserReport is one row of an HourlyConnectionReport.
type UserReport struct {
	BytesTransferred int64    `json:"bytesTransferred"`
	Countries        []string `json:"countries,omitempty"`
	TunnelTimeSec    *int64   `json:"tunnelTimeSec,omitempty"`
	ASN              *string  `json:"asn,omitempty"`
}

// HourlyConnectionReport is the wire shape POSTed to collectorURL+/connections.
type HourlyConnectionReport struct {
	ServerID    string       `json:"serverId"`
	StartUtcMs  int64        `json:"startUtcMs"`
	EndUtcMs    int64        `json:"endUtcMs"`
	UserReports []UserReport `json:"userReports"`
}

// DailyFeatureReport is the wire shape POSTed to collectorURL+/features.
type DailyFeatureReport struct {
	ServerID      string `json:"serverId"`
	ServerVersion string `json:"serverVersion"`
	TimestampUtc  int64  `json:"timestampUtcMs"`
	DataLimit     struct {
		Enabled           bool `json:"enabled"`
		PerKeyLimitCount  int  `json:"perKeyLimitCount,omitempty"`
	} `json:"dataLimit"`
}

// KeyCountSource reports, for the daily feature report, whether a
// server-wide default limit is set and how many keys carry their own
// override. Satisfied by *accesskey.Repository plus *serverconfig.ServerConfig.
type KeyCountSource interface {
	PerKeyLimitCount() int
}

// Publisher owns the reporting clock and the reset-on-success window.
type Publisher struct {
	serverConfig  *serverconfig.ServerConfig
	usageReader   *usage.Reader
	keyCounts     KeyCountSource
	collectorURL  string
	serverVersion string
	client        *http.Client
	logger        *slog.Logger

	mu            sync.Mutex
	reportStartMs int64
}

// New builds a Publisher. now is the time the reporting window starts.
func New(serverConfig *serverconfig.ServerConfig, usageReader *usage.Reader, keyCounts KeyCountSource, collectorURL, serverVersion string, logger *slog.Logger, now time.Time) *Publisher {
	return &Publisher{
		serverConfig:  serverConfig,
		usageReader:   usageReader,
		keyCounts:     keyCounts,
		collectorURL:  collectorURL,
		serverVersion: serverVersion,
		logger:        logger,
		reportStartMs: now.UnixMilli(),
		client: &http.Client{
			Timeout: 30 * time.Second,
			// The default net/http CheckRedirect silently downgrades a
			// POST to GET on 301/302/303. Preserve method and body on
			// every redirect (spec.md §4.9).
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil
			},
		},
	}
}

// Run installs the hourly and daily cron schedules and blocks until ctx is
// cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() { p.publishHourly(ctx) }); err != nil {
		return fmt.Errorf("scheduling hourly report: %w", err)
	}
	if _, err := c.AddFunc("@daily", func() { p.publishDaily(ctx) }); err != nil {
		return fmt.Errorf("scheduling daily report: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (p *Publisher) publishHourly(ctx context.Context) {
	if !p.serverConfig.MetricsEnabled() {
		return
	}

	p.mu.Lock()
	startMs := p.reportStartMs
	p.mu.Unlock()
	now := time.Now()

	result, err := p.usageReader.ServerMetrics(ctx, time.Duration(now.UnixMilli()-startMs)*time.Millisecond)
	if err != nil {
		p.logger.Error("hourly report: usage query failed, will retry next tick", "error", err)
		telemetry.PublisherReportsTotal.WithLabelValues("hourly", "query_error").Inc()
		return
	}

	report := HourlyConnectionReport{
		ServerID:   p.serverConfig.Snapshot().ServerID,
		StartUtcMs: startMs,
		EndUtcMs:   now.UnixMilli(),
	}
	for _, loc := range result.PerLocation {
		if loc.Bytes == 0 {
			continue
		}
		countries := []string{loc.Country}
		if allSanctioned(countries) {
			continue
		}
		var asn *string
		if loc.ASN != "" {
			asn = &loc.ASN
		}
		report.UserReports = append(report.UserReports, UserReport{
			BytesTransferred: int64(loc.Bytes),
			Countries:        countries,
			ASN:              asn,
		})
	}

	if len(report.UserReports) == 0 {
		p.resetWindow(now)
		telemetry.PublisherReportsTotal.WithLabelValues("hourly", "skipped_empty").Inc()
		return
	}

	if err := p.post("/connections", report); err != nil {
		p.logger.Error("hourly report: POST failed, leaving window open for retry", "error", err, "retry_hint", nextRetryHint())
		telemetry.PublisherReportsTotal.WithLabelValues("hourly", "post_error").Inc()
		return
	}
	p.resetWindow(now)
	telemetry.PublisherReportsTotal.WithLabelValues("hourly", "sent").Inc()
}

func (p *Publisher) publishDaily(ctx context.Context) {
	if !p.serverConfig.MetricsEnabled() {
		return
	}

	snap := p.serverConfig.Snapshot()
	report := DailyFeatureReport{
		ServerID:      snap.ServerID,
		ServerVersion: p.serverVersion,
		TimestampUtc:  time.Now().UnixMilli(),
	}
	report.DataLimit.Enabled = snap.AccessKeyDataLimit != nil
	report.DataLimit.PerKeyLimitCount = p.keyCounts.PerKeyLimitCount()

	if err := p.post("/features", report); err != nil {
		p.logger.Error("daily report: POST failed", "error", err, "retry_hint", nextRetryHint())
		telemetry.PublisherReportsTotal.WithLabelValues("daily", "post_error").Inc()
		return
	}
	telemetry.PublisherReportsTotal.WithLabelValues("daily", "sent").Inc()
}

func (p *Publisher) resetWindow(now time.Time) {
	p.mu.Lock()
	p.reportStartMs = now.UnixMilli()
	p.mu.Unlock()
}

func (p *Publisher) post(path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, p.collectorURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector responded %s", resp.Status)
	}
	return nil
}

func allSanctioned(countries []string) bool {
	if len(countries) == 0 {
		return false
	}
	for _, c := range countries {
		if !sanctionedCountries[c] {
			return false
		}
	}
	return true
}

// nextRetryHint reports how long before the next scheduled attempt, purely
// for log context; the actual retry is the next cron tick, not a backoff
// loop inside the publisher.
func nextRetryHint() time.Duration {
	bo := backoff.NewExponentialBackOff()
	d := bo.NextBackOff()
	if d <= 0 || d == backoff.Stop {
		return time.Hour
	}
	return d
}
