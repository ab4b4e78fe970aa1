package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/shapes"
)

const migrationBackfillTextDefaults = "2026-10-01_backfill_text_defaults"

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
		{name: migrationBackfillTextDefaults, apply: backfillTextDefaults},
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
		if err := migration.apply(db); err != nil {
			return err
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

// backfillTextDefaults stores the typography defaults on text rows written
// before those columns were populated.
func backfillTextDefaults(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		text := tx.Model(&shapes.ShapeRecord{}).Where("kind = ?", string(canvas.KindText))
		steps := []struct {
			column    string
			condition string
			value     interface{}
		}{
			{column: "font_size", condition: "font_size <= 0", value: canvas.DefaultFontSize},
			{column: "font_family", condition: "font_family = ''", value: canvas.DefaultFontFamily},
			{column: "font_weight", condition: "font_weight = ''", value: canvas.DefaultFontWeight},
			{column: "text_align", condition: "text_align = ''", value: canvas.DefaultTextAlign},
			{column: "line_height", condition: "line_height <= 0", value: canvas.DefaultLineHeight},
		}
		for _, step := range steps {
			if err := text.Session(&gorm.Session{}).Where(step.condition).Update(step.column, step.value).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
