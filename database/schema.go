package database

import (
	"context"
	"fmt"

	"followup-mailer/apperror"
)

type optionalColumn struct {
	name   string
	isDate bool
}

// externalColumns are added to emails after the base migration so that databases
// created before spreadsheet import existed pick them up without a rebuild.
var externalColumns = []optionalColumn{
	{name: "external_first_email_date", isDate: true},
	{name: "external_first_email_status"},
	{name: "external_second_email_date", isDate: true},
	{name: "external_second_email_status"},
	{name: "external_third_email_date", isDate: true},
	{name: "external_third_email_status"},
}

func (d Dialect) columnType(col optionalColumn) string {
	switch {
	case col.isDate && d == Postgres:
		return "TIMESTAMPTZ"
	case col.isDate:
		return "TIMESTAMP"
	}
	return "TEXT"
}

func (s *Store) existingColumns(ctx context.Context, table string) (map[string]bool, error) {
	var query string
	if s.dialect == Postgres {
		query = `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?`
	} else {
		query = `SELECT name FROM pragma_table_info(?)`
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// ensureOptionalColumns adds missing external follow-up columns. Failures never
// abort startup; they come back as warnings and are logged.
func (s *Store) ensureOptionalColumns(ctx context.Context) []apperror.SchemaWarning {
	var warnings []apperror.SchemaWarning

	existing, err := s.existingColumns(ctx, "emails")
	if err != nil {
		w := apperror.SchemaWarning{Table: "emails", Column: "*", Err: err}
		s.log.Warnf("[SCHEMA] Could not inspect columns: %s", w)
		return append(warnings, w)
	}

	for _, col := range externalColumns {
		if existing[col.name] {
			s.log.Debugf("[SCHEMA] Column %s already exists in emails", col.name)
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE emails ADD COLUMN %s %s", col.name, s.dialect.columnType(col))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			w := apperror.SchemaWarning{Table: "emails", Column: col.name, Err: err}
			s.log.Warnf("[SCHEMA] Failed to add optional column: %s", w)
			warnings = append(warnings, w)
			continue
		}
		s.log.Infof("[SCHEMA] Added column %s to emails", col.name)
	}
	return warnings
}
