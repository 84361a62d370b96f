package credkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyKeyringURL     = errors.New("keyring.database.empty_url")
	errSQLiteEmptyPath     = errors.New("keyring.database.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("keyring.database.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("keyring.database.unsupported_no_scheme")
)

// DatabaseKeyring persists the credential record in a relational database
// using GORM, selected by URL scheme (sqlite:// or postgres://).
type DatabaseKeyring struct {
	keyringNotifier
	db          *gorm.DB
	namespace   string
	driverLabel string
}

// Driver exposes the selected database driver label.
func (ring *DatabaseKeyring) Driver() string {
	return ring.driverLabel
}

type keyringRecord struct {
	Namespace     string `gorm:"column:namespace;primaryKey"`
	EntryKey      string `gorm:"column:entry_key;primaryKey"`
	EntryValue    string `gorm:"column:entry_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (keyringRecord) TableName() string {
	return "credential_keyring"
}

// NewDatabaseKeyring constructs a GORM-backed keyring.
func NewDatabaseKeyring(ctx context.Context, databaseURL string, namespace string) (*DatabaseKeyring, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("keyring.database.open: %w", errEmptyKeyringURL)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultKeyringNamespace
	}
	dialector, driverLabel, dialectErr := resolveKeyringDialector(databaseURL)
	if dialectErr != nil {
		return nil, dialectErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("keyring.database.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&keyringRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("keyring.database.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseKeyring{
		keyringNotifier: newKeyringNotifier(),
		db:              gormDB,
		namespace:       namespace,
		driverLabel:     driverLabel,
	}, nil
}

// Put upserts the given entries under the keyring namespace.
func (ring *DatabaseKeyring) Put(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	records := make([]keyringRecord, 0, len(entries))
	for entryKey, entryValue := range entries {
		records = append(records, keyringRecord{
			Namespace:     ring.namespace,
			EntryKey:      entryKey,
			EntryValue:    entryValue,
			UpdatedAtUnix: nowUnix,
		})
	}
	err := ring.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_unix"}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("keyring.database.put.%s: %w", ring.driverLabel, err)
	}
	ring.notify()
	return nil
}

// Load returns every entry stored under the keyring namespace.
func (ring *DatabaseKeyring) Load(ctx context.Context) (map[string]string, error) {
	var records []keyringRecord
	err := ring.db.WithContext(ctx).Where("namespace = ?", ring.namespace).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("keyring.database.load.%s: %w", ring.driverLabel, err)
	}
	entries := make(map[string]string, len(records))
	for _, record := range records {
		entries[record.EntryKey] = record.EntryValue
	}
	return entries, nil
}

// Delete removes the given keys from the keyring namespace.
func (ring *DatabaseKeyring) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := ring.db.WithContext(ctx).
		Where("namespace = ? AND entry_key IN ?", ring.namespace, keys).
		Delete(&keyringRecord{}).Error
	if err != nil {
		return fmt.Errorf("keyring.database.delete.%s: %w", ring.driverLabel, err)
	}
	ring.notify()
	return nil
}

// Close releases the underlying database connection.
func (ring *DatabaseKeyring) Close() error {
	sqlDB, err := ring.db.DB()
	if err != nil {
		return fmt.Errorf("keyring.database.close.%s: %w", ring.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveKeyringDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("keyring.database.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("keyring.database.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("keyring.database.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("keyring.database.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedKeyringScheme)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
