package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// WorkTicketChannel is the pg_notify channel raised when a ticket becomes pending.
const WorkTicketChannel = "work_tickets"

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Episode content and playthrough tables
		{
			ID: "001_episode_tables",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Character{}, &Series{}, &Episode{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&Session{}, &Message{}, &Relationship{}, &Scene{}); err != nil {
					return err
				}
				// At most one active playthrough of an episode per user
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
					ON episode_sessions(user_id, episode_id) WHERE status = 'active'`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("scenes", "relationships", "messages", "episode_sessions",
					"episodes", "series", "characters")
			},
		},

		// Migration 002: Spark balances and ledger
		{
			ID: "002_spark_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SparkBalance{}, &SparkTransaction{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("spark_transactions", "spark_balances")
			},
		},

		// Migration 003: Work queue and workspace context
		{
			ID: "003_work_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&WorkTicket{}, &ContextEntry{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_context_entries_singleton
					ON context_entries(workspace_id, entry_type)
					WHERE NOT archived AND entry_type IN ('problem', 'customer', 'vision', 'brand')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("context_entries", "work_tickets")
			},
		},

		// Migration 004: Wake listeners when a ticket becomes pending
		{
			ID: "004_work_ticket_notify",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE OR REPLACE FUNCTION notify_work_ticket() RETURNS trigger AS $$
					BEGIN
						IF NEW.status = 'pending' THEN
							PERFORM pg_notify('` + WorkTicketChannel + `', NEW.id::text);
						END IF;
						RETURN NEW;
					END;
					$$ LANGUAGE plpgsql`,
					`DROP TRIGGER IF EXISTS work_tickets_notify ON work_tickets`,
					`CREATE TRIGGER work_tickets_notify
					 AFTER INSERT OR UPDATE OF status ON work_tickets
					 FOR EACH ROW EXECUTE FUNCTION notify_work_ticket()`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"DROP TRIGGER IF EXISTS work_tickets_notify ON work_tickets",
					"DROP FUNCTION IF EXISTS notify_work_ticket()",
				}
				for _, s := range sqls {
					_ = tx.Exec(s).Error
				}
				return nil
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
