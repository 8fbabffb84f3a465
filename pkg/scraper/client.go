package scraper

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ScraperError wraps a failed query, carrying the scraper's own error kind
// alongside a human-readable message (spec.md §4.6).
type ScraperError struct {
	Kind    v1.ErrorType
	Message string
}

func (e *ScraperError) Error() string {
	return fmt.Sprintf("scraper query failed (%s): %s", e.Kind, e.Message)
}

// ScraperClient issues instant and range PromQL queries against the
// supervised scraper, following the api.NewClient/v1.NewAPI call shape.
type ScraperClient struct {
	api v1.API
}

// Query runs an instant PromQL query at t.
func (c *ScraperClient) Query(ctx context.Context, promQL string, t time.Time) (model.Value, error) {
	result, warnings, err := c.api.Query(ctx, promQL, t)
	if err != nil {
		return nil, toScraperError(err)
	}
	_ = warnings
	return result, nil
}

// QueryRange runs a PromQL range query over [start, end] stepped at step.
func (c *ScraperClient) QueryRange(ctx context.Context, promQL string, start, end time.Time, step time.Duration) (model.Value, error) {
	result, warnings, err := c.api.QueryRange(ctx, promQL, v1.Range{
		Start: start,
		End:   end,
		Step:  step,
	})
	if err != nil {
		return nil, toScraperError(err)
	}
	_ = warnings
	return result, nil
}

func toScraperError(err error) error {
	if apiErr, ok := err.(*v1.Error); ok {
		return &ScraperError{Kind: apiErr.Type, Message: apiErr.Msg}
	}
	return &ScraperError{Kind: v1.ErrServer, Message: err.Error()}
}
