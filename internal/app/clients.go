package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/spotforge/spotforge-backend/internal/media"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/platform/gcs"
	"github.com/spotforge/spotforge-backend/internal/providers"
	"github.com/spotforge/spotforge-backend/internal/realtime/bus"
)

type Clients struct {
	Bucket    gcs.BucketService
	Redis     *goredis.Client
	EventBus  bus.Bus
	Tools     media.ToolsService
	Providers providers.Set
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	bucket, err := gcs.NewBucketService(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init bucket client: %w", err)
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return Clients{}, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	eventBus, err := bus.NewRedisBus(log)
	if err != nil {
		_ = rdb.Close()
		return Clients{}, fmt.Errorf("init redis event bus: %w", err)
	}

	tools := media.NewToolsService()
	prov := providers.NewSetFromEnv(log, tools)

	return Clients{
		Bucket:    bucket,
		Redis:     rdb,
		EventBus:  eventBus,
		Tools:     tools,
		Providers: prov,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.EventBus != nil {
		_ = c.EventBus.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
