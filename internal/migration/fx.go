package migration

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/genledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		switch dbType := strings.ToLower(strings.TrimSpace(cfg.DBType)); dbType {
		case "postgres", "":
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		case "sqlite":
			log.Info("applying sqlite schema", zap.String("db_type", dbType))
			return ApplySQLite(conn)
		default:
			return fmt.Errorf("no schema for database type %q", cfg.DBType)
		}
	}),
)
