// Package database provides the SQLite-backed local store for the Canopy agent.
//
// This package manages:
//   - Connection lifecycle with WAL mode and busy timeout pragmas
//   - Schema migrations embedded in the binary
//   - Health checks for the readiness endpoint
//
// The local store holds durable, append-heavy data: the command transition
// log that survives broker retained-message churn. Live entity and twin
// state is deliberately NOT stored here; the retained messages on the bus
// are the source of truth for the device tree.
//
// # Usage
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
