package migrate

import (
	"context"
	"fmt"

	"github.com/arlo-systems/eventbus/pkg/config"
	"github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/env"
	"github.com/arlo-systems/eventbus/pkg/logger"
)

// MaybeRunDev executes migrations automatically when the process runs in dev
// mode and EVENTBUS_AUTO_MIGRATE is set. Production deployments run the
// migrate binary explicitly.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !env.GetBool("EVENTBUS_AUTO_MIGRATE", false) {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": DefaultDir})
	logg.Info(ctx, "running goose migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "goose migrations completed")
	return nil
}
