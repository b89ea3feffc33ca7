package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/replica"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/users"
)

// OpenSQLite establishes the server database connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&library.AssetRow{}, &library.LibraryOperation{}, &users.Collaborator{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenReplica establishes a connection to a local replica database and creates its tables.
func OpenReplica(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&replica.OperationRecord{}, &replica.SnapshotRecord{}, &replica.CursorRecord{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("replica database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
