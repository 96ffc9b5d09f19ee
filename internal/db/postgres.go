package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/spotforge/spotforge-backend/internal/domain"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", logg)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", logg)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", logg)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", logg)
	postgresName := utils.GetEnv("POSTGRES_NAME", "spotforge", logg)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser,
		postgresPassword,
		postgresHost,
		postgresPort,
		postgresName,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := s.db.AutoMigrate(domain.AllModels()...); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := ensureForeignKeys(s.db); err != nil {
		s.log.Error("Foreign key migration failed", "error", err)
		return err
	}
	return nil
}

func ensureForeignKeys(db *gorm.DB) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{
			name: "fk_checkpoint_video_job_id",
			sql: `ALTER TABLE "checkpoint"
				ADD CONSTRAINT "fk_checkpoint_video_job_id"
				FOREIGN KEY ("video_job_id") REFERENCES "video_job"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_artifact_checkpoint_id",
			sql: `ALTER TABLE "artifact"
				ADD CONSTRAINT "fk_artifact_checkpoint_id"
				FOREIGN KEY ("checkpoint_id") REFERENCES "checkpoint"("id")
				ON DELETE CASCADE`,
		},
	}
	for _, st := range stmts {
		var exists bool
		check := `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = ?)`
		if err := db.Raw(check, st.name).Scan(&exists).Error; err != nil {
			return fmt.Errorf("check constraint %s: %w", st.name, err)
		}
		if exists {
			continue
		}
		if err := db.Exec(st.sql).Error; err != nil {
			return fmt.Errorf("add constraint %s: %w", st.name, err)
		}
	}
	return nil
}
