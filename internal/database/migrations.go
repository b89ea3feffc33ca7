package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

const (
	migrationStripProviderPrefix = "2026-03-01_strip_provider_prefix_from_updated_by"
	migrationRenumberPositions   = "2026-04-12_renumber_asset_row_positions"

	providerPrefix = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
		{name: migrationRenumberPositions, apply: renumberPositions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripProviderPrefix rewrites audit columns written before canonical collaborator ids existed.
func stripProviderPrefix(db *gorm.DB) error {
	start := len(providerPrefix) + 1
	return db.Model(&library.AssetRow{}).
		Where("updated_by LIKE ?", providerPrefix+"%").
		Update("updated_by", gorm.Expr("substr(updated_by, ?)", start)).Error
}

// renumberPositions closes gaps left by bulk imports so each library's rows count up from 1.
func renumberPositions(db *gorm.DB) error {
	var libraryIDs []string
	if err := db.Model(&library.AssetRow{}).Distinct().Pluck("library_id", &libraryIDs).Error; err != nil {
		return err
	}
	for _, libraryID := range libraryIDs {
		var rows []library.AssetRow
		if err := db.Where("library_id = ?", libraryID).Order("position ASC").Order("row_id ASC").Find(&rows).Error; err != nil {
			return err
		}
		for index, row := range rows {
			position := int64(index + 1)
			if row.Position == position {
				continue
			}
			if err := db.Model(&library.AssetRow{}).
				Where("library_id = ? AND row_id = ?", row.LibraryID, row.RowID).
				Update("position", position).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
