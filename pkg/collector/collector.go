// Package collector implements the metrics ingestion service: it accepts
// the hourly connection and daily feature reports produced by
// pkg/publisher, validates them field-by-field, and flattens accepted
// reports into rows for an abstract columnar sink (spec.md §4.11,
// component C11).
package collector

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/Jigsaw-Code/shadowbox/internal/httpserver"
	"github.com/Jigsaw-Code/shadowbox/internal/telemetry"
)

// maxBytesTransferred is 1 TiB, the upper bound on a single user report's
// bytesTransferred field.
const maxBytesTransferred = 1 << 40

// Row is one flattened record handed to Table.Insert.
type Row struct {
	ServerID         string
	ReportKind       string // "connection" or "feature"
	StartTimestamp   string // ISO-8601
	EndTimestamp     string // ISO-8601, empty for feature rows
	UserID           string
	Countries        []string
	BytesTransferred int64
	TunnelTimeSec    int64
	ServerVersion    string
	DataLimitEnabled bool
	PerKeyLimitCount int
}

// Table is the abstract columnar sink. Its only contract is that Insert
// either durably stores every row or returns an error; there is no
// partial-success case to handle.
type Table interface {
	Insert(rows []Row) error
}

// Handler exposes the /connections and /features ingest endpoints.
type Handler struct {
	logger *slog.Logger
	table  Table
}

// NewHandler wires a Handler against its sink.
func NewHandler(logger *slog.Logger, table Table) *Handler {
	return &Handler{logger: logger, table: table}
}

// Routes mounts the two ingest endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/connections", h.handleConnections)
	r.Post("/features", h.handleFeatures)
	return r
}

type connectionReportPayload struct {
	ServerID    string `json:"serverId"`
	StartUtcMs  *int64 `json:"startUtcMs"`
	EndUtcMs    *int64 `json:"endUtcMs"`
	UserReports []struct {
		UserID           string   `json:"userId"`
		Countries        []string `json:"countries"`
		BytesTransferred *int64   `json:"bytesTransferred"`
		TunnelTimeMs     *int64   `json:"tunnelTimeMs"`
	} `json:"userReports"`
}

func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	var payload connectionReportPayload
	if err := httpserver.Decode(r, &payload); err != nil {
		telemetry.CollectorIngestsTotal.WithLabelValues("connection", "validation_error").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := validateConnectionReport(payload); err != nil {
		telemetry.CollectorIngestsTotal.WithLabelValues("connection", "validation_error").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	start := time.UnixMilli(*payload.StartUtcMs).UTC()
	end := time.UnixMilli(*payload.EndUtcMs).UTC()
	rows := make([]Row, 0, len(payload.UserReports))
	for _, ur := range payload.UserReports {
		var bytes, tunnelSec int64
		if ur.BytesTransferred != nil {
			bytes = *ur.BytesTransferred
		}
		if ur.TunnelTimeMs != nil {
			tunnelSec = *ur.TunnelTimeMs / 1000
		}
		rows = append(rows, Row{
			ServerID:         payload.ServerID,
			ReportKind:       "connection",
			StartTimestamp:   start.Format(time.RFC3339),
			EndTimestamp:     end.Format(time.RFC3339),
			UserID:           ur.UserID,
			Countries:        filterSanctioned(ur.Countries),
			BytesTransferred: bytes,
			TunnelTimeSec:    tunnelSec,
		})
	}

	if err := h.table.Insert(rows); err != nil {
		h.logger.Error("inserting connection report rows", "error", err)
		telemetry.CollectorIngestsTotal.WithLabelValues("connection", "insert_error").Inc()
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store report")
		return
	}
	telemetry.CollectorIngestsTotal.WithLabelValues("connection", "inserted").Inc()
	httpserver.Respond(w, http.StatusOK, nil)
}

// validateConnectionReport accumulates every violated rule via
// go-multierror so the caller sees the whole picture in one 400, not just
// the first broken field.
func validateConnectionReport(p connectionReportPayload) error {
	var errs *multierror.Error

	if p.ServerID == "" {
		errs = multierror.Append(errs, fmt.Errorf("serverId is required"))
	}
	if p.StartUtcMs == nil {
		errs = multierror.Append(errs, fmt.Errorf("startUtcMs is required"))
	}
	if p.EndUtcMs == nil {
		errs = multierror.Append(errs, fmt.Errorf("endUtcMs is required"))
	}
	if p.StartUtcMs != nil && p.EndUtcMs != nil && *p.StartUtcMs >= *p.EndUtcMs {
		errs = multierror.Append(errs, fmt.Errorf("startUtcMs must be less than endUtcMs"))
	}
	if len(p.UserReports) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("userReports must be a non-empty array"))
	}
	for i, ur := range p.UserReports {
		if ur.UserID == "" && len(ur.Countries) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("userReports[%d] must carry at least one of userId or countries", i))
		}
		if ur.BytesTransferred == nil {
			errs = multierror.Append(errs, fmt.Errorf("userReports[%d].bytesTransferred is required", i))
		} else if *ur.BytesTransferred < 0 || *ur.BytesTransferred > maxBytesTransferred {
			errs = multierror.Append(errs, fmt.Errorf("userReports[%d].bytesTransferred must be in [0, 1 TiB]", i))
		}
		if ur.TunnelTimeMs != nil && *ur.TunnelTimeMs < 0 {
			errs = multierror.Append(errs, fmt.Errorf("userReports[%d].tunnelTimeMs must be >= 0", i))
		}
	}

	return errs.ErrorOrNil()
}

type featureReportPayload struct {
	ServerID      string `json:"serverId"`
	ServerVersion string `json:"serverVersion"`
	TimestampUtc  *int64 `json:"timestampUtcMs"`
	DataLimit     *struct {
		Enabled          *bool `json:"enabled"`
		PerKeyLimitCount *int  `json:"perKeyLimitCount"`
	} `json:"dataLimit"`
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	var payload featureReportPayload
	if err := httpserver.Decode(r, &payload); err != nil {
		telemetry.CollectorIngestsTotal.WithLabelValues("feature", "validation_error").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := validateFeatureReport(payload); err != nil {
		telemetry.CollectorIngestsTotal.WithLabelValues("feature", "validation_error").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	perKeyLimitCount := 0
	if payload.DataLimit.PerKeyLimitCount != nil {
		perKeyLimitCount = *payload.DataLimit.PerKeyLimitCount
	}

	row := Row{
		ServerID:         payload.ServerID,
		ReportKind:       "feature",
		StartTimestamp:   time.UnixMilli(*payload.TimestampUtc).UTC().Format(time.RFC3339),
		ServerVersion:    payload.ServerVersion,
		DataLimitEnabled: *payload.DataLimit.Enabled,
		PerKeyLimitCount: perKeyLimitCount,
	}

	if err := h.table.Insert([]Row{row}); err != nil {
		h.logger.Error("inserting feature report row", "error", err)
		telemetry.CollectorIngestsTotal.WithLabelValues("feature", "insert_error").Inc()
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store report")
		return
	}
	telemetry.CollectorIngestsTotal.WithLabelValues("feature", "inserted").Inc()
	httpserver.Respond(w, http.StatusOK, nil)
}

func validateFeatureReport(p featureReportPayload) error {
	var errs *multierror.Error

	if p.ServerID == "" {
		errs = multierror.Append(errs, fmt.Errorf("serverId is required"))
	}
	if p.ServerVersion == "" {
		errs = multierror.Append(errs, fmt.Errorf("serverVersion is required"))
	}
	if p.TimestampUtc == nil {
		errs = multierror.Append(errs, fmt.Errorf("timestampUtcMs is required"))
	}
	if p.DataLimit == nil || p.DataLimit.Enabled == nil {
		errs = multierror.Append(errs, fmt.Errorf("dataLimit.enabled is required"))
	}
	if p.DataLimit != nil && p.DataLimit.PerKeyLimitCount != nil && *p.DataLimit.PerKeyLimitCount < 0 {
		errs = multierror.Append(errs, fmt.Errorf("dataLimit.perKeyLimitCount must be >= 0"))
	}

	return errs.ErrorOrNil()
}

// sanctionedCountries mirrors the publisher's list plus Iran: the
// collector is the authoritative filter (spec.md §9 "Set of sanctioned
// countries drift"), so a report that slipped past the publisher's
// superset-based filtering is still scrubbed here.
var sanctionedCountries = map[string]bool{
	"CU": true,
	"IR": true,
	"KP": true,
	"SY": true,
}

func filterSanctioned(countries []string) []string {
	if len(countries) == 0 {
		return nil
	}
	out := make([]string, 0, len(countries))
	for _, c := range countries {
		if !sanctionedCountries[c] {
			out = append(out, c)
		}
	}
	return out
}
