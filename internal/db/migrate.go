package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

// migrationLockKey serializes schema setup when serve, workers and the
// consumer start against an empty database at the same time.
const migrationLockKey = "canon.schema"

type migrationStep struct {
	name string
	run  func(tx *gorm.DB) error
}

func migrationSteps() []migrationStep {
	return []migrationStep{
		{name: "create schema", run: execScript(preAutoMigrateSQL)},
		{name: "auto-migrate models", run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(autoMigrateModels()...)
		}},
		{name: "indexes and constraints", run: execScript(postAutoMigrateSQL)},
	}
}

func (p *Pool) migrate(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errPoolClosed
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext(?))`, migrationLockKey).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		for _, step := range migrationSteps() {
			if err := step.run(tx); err != nil {
				return fmt.Errorf("%s: %w", step.name, err)
			}
		}
		return nil
	})
}

func execScript(sqlText string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		trimmed := strings.TrimSpace(sqlText)
		if trimmed == "" {
			return nil
		}
		return tx.Exec(trimmed).Error
	}
}
