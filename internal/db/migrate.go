package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate применяет встроенные миграции схемы через goose.
func (dc *DBClient) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: dc.log})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, dc.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	dc.log.Infow("Database migrations applied")
	return nil
}

// gooseLogger направляет printf-логи goose в структурный логгер
type gooseLogger struct {
	log *logger.Logger
}

func (g *gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Errorw(fmt.Sprintf(format, v...), "component", "goose")
}

func (g *gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Infow(fmt.Sprintf(format, v...), "component", "goose")
}
