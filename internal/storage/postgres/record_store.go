package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

const recordColumns = 8

// RecordStore writes extracted records into Postgres. Rows are keyed by
// fingerprint; a record seen by an earlier campaign is left untouched.
type RecordStore struct {
	pool  querier
	table string
}

var _ scrape.RecordSink = (*RecordStore)(nil)

// NewRecordStore builds a store over pool writing to table.
func NewRecordStore(pool querier, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "listings")
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Write inserts records in one statement.
func (s *RecordStore) Write(ctx context.Context, records []scrape.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*recordColumns)
	)
	fmt.Fprintf(&sb, "INSERT INTO %s (fingerprint, title, organization, location, url, domain, query, extracted_at) VALUES ", s.table)
	for i, rec := range records {
		if rec.Fingerprint == "" {
			return fmt.Errorf("record %d has no fingerprint", i)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * recordColumns
		sb.WriteString("(")
		for col := range recordColumns {
			if col > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+col+1)
		}
		sb.WriteString(")")
		args = append(args,
			rec.Fingerprint,
			rec.Title,
			rec.Organization,
			rec.Location,
			rec.URL,
			rec.Domain,
			rec.Query,
			rec.ExtractedAt,
		)
	}
	sb.WriteString(" ON CONFLICT (fingerprint) DO NOTHING")

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
