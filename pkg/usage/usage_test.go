package usage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Jigsaw-Code/shadowbox/pkg/scraper"
)

func TestRoundUpToStep(t *testing.T) {
	step := 5 * time.Minute
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "already aligned",
			in:   time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC),
			want: time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC),
		},
		{
			name: "rounds up",
			in:   time.Date(2024, 1, 1, 10, 6, 30, 0, time.UTC),
			want: time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roundUpToStep(tt.in, step); !got.Equal(tt.want) {
				t.Errorf("roundUpToStep(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampToNow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if got := clampToNow(past, now); !got.Equal(past) {
		t.Errorf("clampToNow(past) = %v, want unchanged %v", got, past)
	}
	if got := clampToNow(future, now); !got.Equal(now) {
		t.Errorf("clampToNow(future) = %v, want clamped to %v", got, now)
	}
	if got := clampToNow(time.Time{}, now); !got.IsZero() {
		t.Errorf("clampToNow(zero) = %v, want zero value preserved", got)
	}
}

func TestPeakDevicesCeilDivision(t *testing.T) {
	// 301 seconds of accumulated tunnel time within a 300s step implies at
	// least 2 concurrent devices (ceil(301/300) = 2).
	step := 300.0
	tunnelTimeSec := 301.0
	got := int(tunnelTimeSec/step + 0.9999999) // mirror ceil without importing math in the test
	if got != 2 {
		t.Fatalf("expected 2 concurrent devices, computed %d", got)
	}
}

func TestOutboundByCallsBytesExcludesZeroEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "vector",
				"result": [
					{"metric": {"access_key": "0"}, "value": [1700000000, "500"]},
					{"metric": {"access_key": "1"}, "value": [1700000000, "0"]}
				]
			}
		}`))
	}))
	defer srv.Close()

	client, err := scraper.NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	reader := New(client)

	got, err := reader.OutboundByCallsBytes(context.Background(), 24)
	if err != nil {
		t.Fatalf("OutboundByCallsBytes() error = %v", err)
	}
	if _, ok := got["1"]; ok {
		t.Error("expected zero-byte key to be excluded")
	}
	if got["0"] != 500 {
		t.Errorf("got[0] = %d, want 500", got["0"])
	}
}
