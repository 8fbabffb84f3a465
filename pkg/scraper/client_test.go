package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/common/model"
)

func TestQuerySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "vector",
				"result": [
					{"metric": {"access_key": "0"}, "value": [1700000000, "123"]}
				]
			}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	result, err := client.Query(context.Background(), `sum(increase(shadowsocks_data_bytes[30d])) by (access_key)`, time.Now())
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	vec, ok := result.(model.Vector)
	if !ok || len(vec) != 1 {
		t.Fatalf("Query() result = %#v, want a one-sample vector", result)
	}
	if vec[0].Metric["access_key"] != "0" {
		t.Errorf("access_key label = %q, want 0", vec[0].Metric["access_key"])
	}
}

func TestQueryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"bad query"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Query(context.Background(), "{{{invalid", time.Now())
	if err == nil {
		t.Fatal("expected an error for a failed query")
	}
	var scraperErr *ScraperError
	if !isScraperError(err, &scraperErr) {
		t.Errorf("error = %v (%T), want *ScraperError", err, err)
	}
}

func isScraperError(err error, target **ScraperError) bool {
	se, ok := err.(*ScraperError)
	if ok {
		*target = se
	}
	return ok
}

func TestQueryRangeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "matrix",
				"result": [
					{"metric": {"access_key": "0"}, "values": [[1700000000, "10"], [1700000300, "20"]]}
				]
			}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	end := time.Now()
	start := end.Add(-10 * time.Minute)
	result, err := client.QueryRange(context.Background(), "shadowsocks_data_bytes", start, end, 5*time.Minute)
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	matrix, ok := result.(model.Matrix)
	if !ok || len(matrix) != 1 || len(matrix[0].Values) != 2 {
		t.Fatalf("QueryRange() result = %#v, want a one-series matrix with two samples", result)
	}
}
