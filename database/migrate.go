// database/migrate.go - Database Migration Runner
package database

import (
	"fmt"

	"gorm.io/gorm"

	"quizroom/models"
)

// RunMigrations creates or updates the room coordinator tables
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Room{},
		&models.Player{},
		&models.Question{},
		&models.Answer{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return createIndexes(db)
}

// createIndexes adds the lobby listing index not expressible in tags
func createIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_rooms_status_created ON rooms(status, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_players_room_joined ON players(room_id, joined_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
