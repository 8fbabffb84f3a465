package app

import (
	"log/slog"

	"github.com/Jigsaw-Code/shadowbox/pkg/collector"
)

// loggingTable is the default collector.Table wiring: spec.md scopes the
// columnar sink as opaque ("the table is an opaque sink with one
// insert(rows) operation"), so the collector binary mode logs each
// accepted row rather than assuming any particular warehouse is present.
type loggingTable struct {
	logger *slog.Logger
}

func newLoggingTable(logger *slog.Logger) *loggingTable {
	return &loggingTable{logger: logger}
}

func (t *loggingTable) Insert(rows []collector.Row) error {
	for _, row := range rows {
		t.logger.Info("ingested metrics row",
			"kind", row.ReportKind,
			"serverId", row.ServerID,
			"userId", row.UserID,
			"countries", row.Countries,
			"bytesTransferred", row.BytesTransferred,
			"tunnelTimeSec", row.TunnelTimeSec,
			"serverVersion", row.ServerVersion,
			"dataLimitEnabled", row.DataLimitEnabled,
			"perKeyLimitCount", row.PerKeyLimitCount,
		)
	}
	return nil
}
