package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file created inside the data directory.
const FileName = "exitnotify.db"

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// ExitRecord represents a decoded exit record in the database
type ExitRecord struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	TGID        uint32         `json:"tgid"`
	PID         uint32         `json:"pid"`
	StartTime   time.Time      `json:"start_time"`
	UserTime    time.Duration  `json:"user_time_ns"`
	SystemTime  time.Duration  `json:"system_time_ns"`
	ExePath     string         `json:"exe_path"`
	ModuleCount int            `json:"module_count"`
	Modules     []ModuleRecord `json:"modules,omitempty"`
}

// ModuleRecord represents one mapped module of an exit record
type ModuleRecord struct {
	Start          uint64 `json:"start"`
	End            uint64 `json:"end"`
	Flags          uint64 `json:"flags"`
	Cookie         uint64 `json:"cookie"`
	Offset         uint64 `json:"offset"`
	Path           string `json:"path"`
	MainExecutable bool   `json:"main_executable"`
	Hash           string `json:"hash,omitempty"`
}

// MatchRecord represents a sigma rule match on an exit record
type MatchRecord struct {
	ID           int64     `json:"id"`
	ExitID       int64     `json:"exit_id"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Severity     string    `json:"severity"`
	ProcessID    uint32    `json:"process_id"`
	Image        string    `json:"image"`
	ImageLoaded  string    `json:"image_loaded"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initExitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize exit schema: %w", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initExitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exits (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp    DATETIME NOT NULL,   -- exit time from the record
		tgid         INTEGER NOT NULL,
		pid          INTEGER NOT NULL,
		start_time   DATETIME,
		utime_us     INTEGER NOT NULL,
		stime_us     INTEGER NOT NULL,
		exe_path     TEXT,
		module_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS modules (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		exit_id         INTEGER NOT NULL REFERENCES exits(id) ON DELETE CASCADE,
		start_addr      INTEGER NOT NULL,
		end_addr        INTEGER NOT NULL,
		flags           INTEGER NOT NULL,
		cookie          INTEGER NOT NULL,
		file_offset     INTEGER NOT NULL,
		path            TEXT,
		main_executable INTEGER NOT NULL DEFAULT 0,
		hash            TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create exit tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_exits_pid ON exits(pid);",
		"CREATE INDEX IF NOT EXISTS idx_exits_tgid ON exits(tgid);",
		"CREATE INDEX IF NOT EXISTS idx_exits_timestamp ON exits(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_modules_exit_id ON modules(exit_id);",
		"CREATE INDEX IF NOT EXISTS idx_modules_path ON modules(path);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        exit_id INTEGER NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        severity TEXT NOT NULL,
        process_id INTEGER,
        image TEXT,
        image_loaded TEXT,
        timestamp DATETIME NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_exit_id ON sigma_matches(exit_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %w", err)
	}

	return nil
}

// InsertExit stores an exit record and its modules, returning the new row id
func (db *DB) InsertExit(rec *ExitRecord) (int64, error) {
	tx, err := db.Db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var startTime interface{}
	if !rec.StartTime.IsZero() {
		startTime = rec.StartTime
	}

	res, err := tx.Exec(`
		INSERT INTO exits (timestamp, tgid, pid, start_time, utime_us, stime_us, exe_path, module_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.TGID, rec.PID, startTime,
		rec.UserTime.Microseconds(), rec.SystemTime.Microseconds(),
		rec.ExePath, len(rec.Modules),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert exit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if len(rec.Modules) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO modules (exit_id, start_addr, end_addr, flags, cookie, file_offset, path, main_executable, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare module insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range rec.Modules {
			// sqlite integers are signed; addresses and cookies keep their bits
			if _, err := stmt.Exec(id, int64(m.Start), int64(m.End), int64(m.Flags), int64(m.Cookie),
				int64(m.Offset), m.Path, m.MainExecutable, m.Hash); err != nil {
				return 0, fmt.Errorf("failed to insert module: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit exit: %w", err)
	}
	rec.ID = id
	rec.ModuleCount = len(rec.Modules)
	return id, nil
}

// RecentExits returns the newest exit records, without modules
func (db *DB) RecentExits(limit int) ([]ExitRecord, error) {
	rows, err := db.Db.Query(`
		SELECT id, timestamp, tgid, pid, start_time, utime_us, stime_us, COALESCE(exe_path, ''), module_count
		FROM exits ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query exits: %w", err)
	}
	defer rows.Close()

	var exits []ExitRecord
	for rows.Next() {
		var rec ExitRecord
		var start sql.NullTime
		var utime, stime int64
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.TGID, &rec.PID, &start,
			&utime, &stime, &rec.ExePath, &rec.ModuleCount); err != nil {
			return nil, fmt.Errorf("failed to scan exit: %w", err)
		}
		if start.Valid {
			rec.StartTime = start.Time
		}
		rec.UserTime = time.Duration(utime) * time.Microsecond
		rec.SystemTime = time.Duration(stime) * time.Microsecond
		exits = append(exits, rec)
	}
	return exits, rows.Err()
}

// ExitModules returns the modules stored for an exit record
func (db *DB) ExitModules(exitID int64) ([]ModuleRecord, error) {
	rows, err := db.Db.Query(`
		SELECT start_addr, end_addr, flags, cookie, file_offset, COALESCE(path, ''), main_executable, COALESCE(hash, '')
		FROM modules WHERE exit_id = ? ORDER BY id`, exitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query modules: %w", err)
	}
	defer rows.Close()

	var modules []ModuleRecord
	for rows.Next() {
		var m ModuleRecord
		var start, end, flags, cookie, offset int64
		if err := rows.Scan(&start, &end, &flags, &cookie, &offset, &m.Path, &m.MainExecutable, &m.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		m.Start, m.End, m.Flags = uint64(start), uint64(end), uint64(flags)
		m.Cookie, m.Offset = uint64(cookie), uint64(offset)
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// InsertMatch stores a sigma rule match, returning the new row id
func (db *DB) InsertMatch(m *MatchRecord) (int64, error) {
	details, err := json.Marshal(m.MatchDetails)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal match details: %w", err)
	}
	status := m.Status
	if status == "" {
		status = "new"
	}

	res, err := db.Db.Exec(`
		INSERT INTO sigma_matches
			(exit_id, rule_id, rule_name, severity, process_id, image, image_loaded, timestamp, status, match_details, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ExitID, m.RuleID, m.RuleName, m.Severity, m.ProcessID, m.Image, m.ImageLoaded,
		m.Timestamp, status, string(details), m.EventData, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sigma match: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	m.Status = status
	return id, nil
}

// RecentMatches returns the newest sigma matches
func (db *DB) RecentMatches(limit int) ([]MatchRecord, error) {
	rows, err := db.Db.Query(`
		SELECT id, exit_id, rule_id, rule_name, severity, COALESCE(process_id, 0), COALESCE(image, ''),
			COALESCE(image_loaded, ''), timestamp, status, COALESCE(match_details, '[]'), COALESCE(event_data, '')
		FROM sigma_matches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sigma matches: %w", err)
	}
	defer rows.Close()

	var matches []MatchRecord
	for rows.Next() {
		var m MatchRecord
		var details string
		if err := rows.Scan(&m.ID, &m.ExitID, &m.RuleID, &m.RuleName, &m.Severity, &m.ProcessID, &m.Image,
			&m.ImageLoaded, &m.Timestamp, &m.Status, &details, &m.EventData); err != nil {
			return nil, fmt.Errorf("failed to scan sigma match: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &m.MatchDetails); err != nil {
			m.MatchDetails = []string{details}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// UpdateMatchStatus updates the triage status of a sigma match
func (db *DB) UpdateMatchStatus(matchID int64, status string) error {
	validStatuses := map[string]bool{
		"new":            true,
		"in_progress":    true,
		"resolved":       true,
		"false_positive": true,
	}
	if !validStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}

	res, err := db.Db.Exec(`UPDATE sigma_matches SET status = ? WHERE id = ?`, status, matchID)
	if err != nil {
		return fmt.Errorf("failed to update match status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no sigma match with id %d", matchID)
	}
	return nil
}

func (db *DB) Close() error {
	return db.Db.Close()
}
