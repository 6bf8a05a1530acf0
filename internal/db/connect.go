package db

import (
	"fmt"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// DSN builds a MySQL DSN with parseTime enabled.
func DSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4", user, host, port, database)
}

// Open opens a GORM connection for the given driver and DSN.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		if _, err := mysqldrv.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("db: parse mysql dsn: %w", err)
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", driver, err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory SQLite database with the schema applied.
func OpenMemory() (*gorm.DB, error) {
	db, err := Open(DriverSQLite, "file::memory:")
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: memory handle: %w", err)
	}
	// Each pooled connection would otherwise see its own empty database.
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
