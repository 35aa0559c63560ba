package storage

import (
	"database/sql"
	"errors"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when an object, key, or member doesn't exist.
var ErrNotFound = errors.New("not found")

// Database is persistent storage for federation state: objects keyed by
// id, collection membership, and actor keypairs.
type Database interface {
	Objects
	Collections
	Keys
	Open() error
	Close()
}

// sqliteDatabase implements Database on a sqlite file via gorm
type sqliteDatabase struct {
	connection string
	db         *gorm.DB
	sqldb      *sql.DB
	keyLock    sync.Mutex // serializes first-access keypair generation
}

func (s *sqliteDatabase) Open() error {
	if s.db != nil {
		s.Close()
	}
	newLogger := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(sqlite.Open(s.connection), &gorm.Config{
		Logger: newLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return err
	}
	s.sqldb, err = db.DB()
	if err != nil {
		return err
	}
	s.db = db
	// create tables
	s.db.Migrator().AutoMigrate(&objectRow{})
	s.db.Migrator().AutoMigrate(&memberRow{})
	s.db.Migrator().AutoMigrate(&keyRow{})
	return nil
}

func (s *sqliteDatabase) Close() {
	if s.db != nil {
		s.sqldb.Close()
		s.sqldb = nil
		s.db = nil
	}
}

func NewDatabase(connection string) Database {
	return &sqliteDatabase{
		connection: connection,
	}
}
