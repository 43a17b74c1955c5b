package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// SettingsDB implements domain.Database using a SQLCipher encrypted
// SQLite database.
type SettingsDB struct {
	db     *sql.DB
	dbPath string
}

// OpenSettingsDB opens (or creates) the settings database at dbPath. The
// key is used as the SQLCipher passphrase via PRAGMA key.
func OpenSettingsDB(dbPath string, key []byte) (*SettingsDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000",
		dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	// Pool workers share one connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to settings database: %w", err)
	}

	s := &SettingsDB{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SettingsDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policies (
		uid INT NOT NULL,
		policy INT NOT NULL,
		until INT NOT NULL DEFAULT 0,
		logging INT NOT NULL DEFAULT 1,
		notification INT NOT NULL DEFAULT 1,
		PRIMARY KEY(uid)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT NOT NULL,
		value INT NOT NULL,
		PRIMARY KEY(key)
	);

	CREATE TABLE IF NOT EXISTS strings (
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY(key)
	);

	CREATE TABLE IF NOT EXISTS denylist (
		package_name TEXT NOT NULL,
		process TEXT NOT NULL,
		PRIMARY KEY(package_name, process)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SettingsDB) Path() string {
	return s.dbPath
}

// GetSettings loads every integer setting.
func (s *SettingsDB) GetSettings() (domain.DbSettings, error) {
	cfg := domain.DefaultDbSettings()
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return cfg, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, err
		}
		switch key {
		case domain.SettingRootAccess:
			cfg.RootAccess = domain.RootAccess(value)
		case domain.SettingMultiuserMode:
			cfg.MultiuserMode = domain.MultiuserMode(value)
		case domain.SettingDenylist:
			cfg.Denylist = value != 0
		case domain.SettingZygisk:
			cfg.Zygisk = value != 0
		case domain.SettingBootloop:
			cfg.BootloopCount = value
		}
	}
	return cfg, rows.Err()
}

// GetSetting returns one integer setting, or def when absent.
func (s *SettingsDB) GetSetting(key string, def int) (int, error) {
	var value int
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return value, nil
}

// SetSetting stores one integer setting.
func (s *SettingsDB) SetSetting(key string, value int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetString returns one string setting.
func (s *SettingsDB) GetString(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM strings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetString stores one string setting.
func (s *SettingsDB) SetString(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO strings (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetRootSettings returns the live policy for uid.
func (s *SettingsDB) GetRootSettings(uid int) (domain.RootSettings, error) {
	var (
		policy       int
		logging      int
		notification int
	)
	err := s.db.QueryRow(`
		SELECT policy, logging, notification FROM policies
		WHERE uid = ? AND (until = 0 OR until > ?)`,
		uid, time.Now().Unix(),
	).Scan(&policy, &logging, &notification)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RootSettings{Policy: domain.PolicyQuery}, nil
	}
	if err != nil {
		return domain.RootSettings{Policy: domain.PolicyQuery}, err
	}
	return domain.RootSettings{
		Policy: domain.SuPolicy(policy),
		Log:    logging != 0,
		Notify: notification != 0,
	}, nil
}

// SetPolicy inserts or replaces a policy row.
func (s *SettingsDB) SetPolicy(rec domain.PolicyRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO policies (uid, policy, until, logging, notification)
		VALUES (?, ?, ?, ?, ?)`,
		rec.UID, int(rec.Policy), rec.Until, boolInt(rec.Log), boolInt(rec.Notify),
	)
	return err
}

// PruneExpired deletes timed policies that expired before now.
func (s *SettingsDB) PruneExpired(now int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM policies WHERE until > 0 AND until < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DenylistAdd adds an entry.
func (s *SettingsDB) DenylistAdd(pkg, proc string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO denylist (package_name, process) VALUES (?, ?)`, pkg, proc)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DenylistRemove removes one entry, or every entry of pkg when proc is "".
func (s *SettingsDB) DenylistRemove(pkg, proc string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if proc == "" {
		res, err = s.db.Exec(`DELETE FROM denylist WHERE package_name = ?`, pkg)
	} else {
		res, err = s.db.Exec(`DELETE FROM denylist WHERE package_name = ? AND process = ?`, pkg, proc)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DenylistEntries returns every entry ordered by package and process.
func (s *SettingsDB) DenylistEntries() ([][2]string, error) {
	rows, err := s.db.Query(`SELECT package_name, process FROM denylist ORDER BY package_name, process`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var e [2]string
		if err := rows.Scan(&e[0], &e[1]); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Exec runs a raw statement and streams each result row.
func (s *SettingsDB) Exec(query string, row func(cols []string, vals []string) error) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	raw := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		vals := make([]string, len(cols))
		for i, v := range raw {
			vals[i] = v.String
		}
		if err := row(cols, vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close releases the database connection.
func (s *SettingsDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SettingsDB implements domain.Database.
var _ domain.Database = (*SettingsDB)(nil)
