// Command nekaysync runs the sync core against a remote store and keeps
// it reconciling until interrupted. It exists to exercise the engine
// end to end; real applications embed internal/core directly.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nekay/nekaysync/internal/config"
	"github.com/nekay/nekaysync/internal/core"
	"github.com/nekay/nekaysync/internal/logging"
	"github.com/nekay/nekaysync/internal/models"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	c := core.New(cfg, logger)
	if err := c.Init(ctx); err != nil {
		log.Fatalf("%v", err)
	}
	defer c.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pending, err := c.PendingChanges(ctx)
			if err != nil {
				logger.Error(ctx, "failed to count pending changes", "error", err)
				continue
			}
			logger.Info(ctx, "status",
				"offline", c.Offline(),
				"pending", pending,
				"tasks", c.SyncState(models.KindTask).Status)
		case <-sig:
			logger.Info(ctx, "shutting down")
			return
		}
	}
}
