package db

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialector picks the gorm dialector for a database URL.
// "mysql://<dsn>" selects MySQL; "sqlite://<path>", "file:<path>" or a bare
// path select SQLite.
func Dialector(url string) (gorm.Dialector, error) {
	switch {
	case url == "":
		return nil, fmt.Errorf("database url is empty")
	case strings.HasPrefix(url, "mysql://"):
		return mysql.Open(strings.TrimPrefix(url, "mysql://")), nil
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("unsupported database url scheme in %q", url)
	default:
		return sqlite.Open(url), nil
	}
}

// Open initializes a GORM DB for url, logging SQL through l.
func Open(url string, l *slog.Logger) (*gorm.DB, error) {
	if l == nil {
		l = slog.Default()
	}
	dialector, err := Dialector(url)
	if err != nil {
		return nil, err
	}

	gormLogger := logger.New(
		slogWriter{l: l},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	l.Info("Database connection established", "dialect", dialector.Name())
	return db, nil
}

// AutoMigrate performs auto-migration for the given GORM models.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type slogWriter struct {
	l *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "gorm")
}
