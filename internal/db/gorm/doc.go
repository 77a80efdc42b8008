// Package gorm provides GORM-based Postgres persistence for substrate.
//
// A Store owns the connection pool; the per-entity stores (CharacterStore,
// SessionStore, TicketStore, ...) wrap it and return pkg/models types.
//
//	store, err := gorm.NewStore(gorm.Config{
//	    DSN:      os.Getenv("DATABASE_DSN"),
//	    MaxConns: 10,
//	    LogLevel: logger.Silent,
//	})
//
// NewStore runs the gormigrate migrations before returning.
//
// # Testing
//
// Unit tests run anywhere. The integration suite needs a disposable database:
//
//	DATABASE_DSN=postgres://localhost/substrate_test go test ./internal/db/gorm
package gorm
