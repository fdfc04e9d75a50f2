package pool

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Stores builds one Store per pool kind on a shared DB.
func Stores(db *sqlx.DB, targetCount int, log *zap.Logger) map[Kind]*Store {
	stores := make(map[Kind]*Store, len(Kinds))
	for _, kind := range Kinds {
		stores[kind] = &Store{
			DB:          db,
			Kind:        kind,
			TargetCount: targetCount,
			Log:         log.Named(kind.TableName()),
		}
	}
	return stores
}

// CreateTables creates all four cache tables.
func CreateTables(ctx context.Context, db *sqlx.DB) error {
	for _, kind := range Kinds {
		s := Store{DB: db, Kind: kind}
		if err := s.CreateTable(ctx); err != nil {
			return err
		}
	}
	return nil
}
