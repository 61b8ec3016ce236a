package cmd

import (
	"context"

	"followup-mailer/database"

	"github.com/sirupsen/logrus"
)

// openStore connects to the configured database and brings its schema up to
// date. Missing optional columns are logged, not returned.
func openStore(ctx context.Context) (*database.Store, error) {
	dialect, err := database.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	store, err := database.Open(dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	warnings, err := store.CreateSchema(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, w := range warnings {
		logrus.Warnf("[SCHEMA] %s", w)
	}
	logrus.Infof("[DB] Connected to %s database, schema is up to date", dialect)
	return store, nil
}
