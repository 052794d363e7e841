// Package db stores count runs and their crossing events in SQLite.
//
// The store is write-only from the counter's point of view: nothing here is
// read back into the tracker.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lanecount/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// NewDB opens (or creates) the database at path, applies PRAGMAs and runs any
// pending migrations. ":memory:" is accepted for tests.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps PRAGMAs and in-memory databases consistent
	// across queries; the frame loop is the only writer.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if path == ":memory:" && pragma == "PRAGMA journal_mode=WAL" {
			continue
		}
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// AttachAdminRoutes mounts tailsql and a backup endpoint on the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://lanecount.db", db.DB, &tailsql.DBOptions{
		Label: "Lane count DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
	return nil
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := fmt.Sprintf("%s/lanecount-backup-%d.db", os.TempDir(), time.Now().UnixNano())
	if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=lanecount-backup-%d.db.gz", time.Now().Unix()))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Logf("Failed to write backup: %v", err)
	}
}
