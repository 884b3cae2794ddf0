package database

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StartSQLite opens a sqlite database for local development and tests.
// sqlite allows a single writer, so the pool is pinned to one connection.
func StartSQLite(dsn string, log *zap.Logger) (*GORMStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Error("unable to open sqlite database", zap.String("dsn", dsn), zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	log.Info("opened sqlite database", zap.String("dsn", dsn))
	return NewGORMStore(db, log), nil
}
