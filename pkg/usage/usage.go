// Package usage implements the two read-only views the enforcement loop,
// the REST service, and the publisher all need from the scraper: per-key
// byte totals and a richer per-location/per-key breakdown with derived
// peak-concurrency figures (spec.md §4.8, component C8).
package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/common/model"

	"github.com/Jigsaw-Code/shadowbox/pkg/scraper"
)

const rangeStep = 5 * time.Minute

// Reader answers usage queries against a ScraperClient.
type Reader struct {
	client *scraper.ScraperClient
}

// New wraps a ScraperClient.
func New(client *scraper.ScraperClient) *Reader {
	return &Reader{client: client}
}

// OutboundByCallsBytes returns bytes transferred per access key over the
// trailing window of hours, excluding entries with zero bytes.
func (r *Reader) OutboundByCallsBytes(ctx context.Context, hours int) (map[string]uint64, error) {
	q := fmt.Sprintf(`sum(increase(shadowsocks_data_bytes{dir=~"c<p|p>t"}[%dh])) by (access_key)`, hours)
	result, err := r.client.Query(ctx, q, time.Now())
	if err != nil {
		return nil, err
	}

	vec, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected query result type %T", result)
	}

	out := make(map[string]uint64, len(vec))
	for _, sample := range vec {
		id := string(sample.Metric["access_key"])
		bytes := uint64(sample.Value)
		if bytes == 0 {
			continue
		}
		out[id] = bytes
	}
	return out, nil
}

// LocationUsage is one row of the per-location usage breakdown.
type LocationUsage struct {
	Country      string
	ASN          string
	ASOrg        string
	Bytes        uint64
	TunnelTimeSec uint64
}

// PeakDevices is the largest concurrent-device count observed within the
// window, and when it occurred.
type PeakDevices struct {
	Count     int
	Timestamp time.Time
}

// Connection summarizes a key's recency and peak concurrency.
type Connection struct {
	LastConnected   time.Time
	LastTrafficSeen time.Time
	PeakDevices     PeakDevices
}

// KeyUsage is one row of the per-key usage breakdown.
type KeyUsage struct {
	ID            string
	Bytes         uint64
	TunnelTimeSec uint64
	Connection    Connection
}

// ServerMetricsResult is the full §4.8 serverMetrics response shape.
type ServerMetricsResult struct {
	PerLocation []LocationUsage
	PerKey      []KeyUsage
}

// ServerMetrics queries the last `duration` of traffic, producing both the
// per-location and per-key breakdowns, including the peak-concurrent-
// devices derivation from a 5-minute-stepped range query (spec.md §4.8).
func (r *Reader) ServerMetrics(ctx context.Context, duration time.Duration) (ServerMetricsResult, error) {
	now := time.Now()
	end := roundUpToStep(now, rangeStep)
	start := end.Add(-duration)

	perLocation, err := r.queryPerLocation(ctx, start, end)
	if err != nil {
		return ServerMetricsResult{}, err
	}
	perKey, err := r.queryPerKey(ctx, start, end, now)
	if err != nil {
		return ServerMetricsResult{}, err
	}
	return ServerMetricsResult{PerLocation: perLocation, PerKey: perKey}, nil
}

func (r *Reader) queryPerLocation(ctx context.Context, start, end time.Time) ([]LocationUsage, error) {
	bytesQuery := `sum(increase(shadowsocks_data_bytes{dir=~"c<p|p>t"}[5m])) by (country, asn, as_org)`
	result, err := r.client.QueryRange(ctx, bytesQuery, start, end, rangeStep)
	if err != nil {
		return nil, err
	}
	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected query result type %T", result)
	}

	out := make([]LocationUsage, 0, len(matrix))
	for _, series := range matrix {
		var totalBytes uint64
		for _, v := range series.Values {
			totalBytes += uint64(v.Value)
		}
		if totalBytes == 0 {
			continue
		}
		out = append(out, LocationUsage{
			Country: string(series.Metric["country"]),
			ASN:     string(series.Metric["asn"]),
			ASOrg:   string(series.Metric["as_org"]),
			Bytes:   totalBytes,
		})
	}
	return out, nil
}

func (r *Reader) queryPerKey(ctx context.Context, start, end, now time.Time) ([]KeyUsage, error) {
	bytesQuery := `sum(increase(shadowsocks_data_bytes{dir=~"c<p|p>t"}[5m])) by (access_key)`
	bytesResult, err := r.client.QueryRange(ctx, bytesQuery, start, end, rangeStep)
	if err != nil {
		return nil, err
	}
	bytesMatrix, ok := bytesResult.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected query result type %T", bytesResult)
	}

	tunnelQuery := `sum(increase(shadowsocks_tunnel_time_seconds[5m])) by (access_key)`
	tunnelResult, err := r.client.QueryRange(ctx, tunnelQuery, start, end, rangeStep)
	if err != nil {
		return nil, err
	}
	tunnelMatrix, ok := tunnelResult.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected query result type %T", tunnelResult)
	}
	tunnelByKey := make(map[string]*model.SampleStream, len(tunnelMatrix))
	for _, s := range tunnelMatrix {
		tunnelByKey[string(s.Metric["access_key"])] = s
	}

	out := make([]KeyUsage, 0, len(bytesMatrix))
	for _, series := range bytesMatrix {
		id := string(series.Metric["access_key"])

		var totalBytes uint64
		var lastTraffic time.Time
		for _, v := range series.Values {
			if v.Value > 0 {
				totalBytes += uint64(v.Value)
				lastTraffic = v.Timestamp.Time()
			}
		}

		var totalTunnelSec uint64
		var lastConnected time.Time
		var peak PeakDevices
		if ts, ok := tunnelByKey[id]; ok {
			for _, v := range ts.Values {
				if v.Value <= 0 {
					continue
				}
				totalTunnelSec += uint64(v.Value)
				lastConnected = v.Timestamp.Time()

				count := int(math.Ceil(float64(v.Value) / rangeStep.Seconds()))
				if count > peak.Count {
					peak = PeakDevices{Count: count, Timestamp: v.Timestamp.Time()}
				}
			}
		}

		out = append(out, KeyUsage{
			ID:            id,
			Bytes:         totalBytes,
			TunnelTimeSec: totalTunnelSec,
			Connection: Connection{
				LastConnected:   clampToNow(lastConnected, now),
				LastTrafficSeen: clampToNow(lastTraffic, now),
				PeakDevices:     peak,
			},
		})
	}
	return out, nil
}

// roundUpToStep rounds t up to the nearest multiple of step so successive
// range queries return stable, aligned windows (spec.md §4.8).
func roundUpToStep(t time.Time, step time.Duration) time.Time {
	rem := t.UnixNano() % step.Nanoseconds()
	if rem == 0 {
		return t
	}
	return t.Add(step - time.Duration(rem))
}

// clampToNow caps a derived timestamp at "now" (the rounded-up query
// window can extend past the actual current time); a zero time means no
// qualifying sample was observed and is passed through unchanged.
func clampToNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	if t.After(now) {
		return now
	}
	return t
}
