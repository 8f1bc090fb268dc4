package events

import (
	"fmt"
	"strings"

	"github.com/13ty/agor-sub000/internal/common/config"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events/bus"
)

// Connect selects the event bus backing the daemon. A configured NATS URL
// means a shared broker; otherwise the in-process bus serves a single-daemon
// deployment, which is the common case for Agor.
func Connect(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return bus.NewMemoryEventBus(log), func() {}, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect event bus at %s: %w", cfg.NATS.URL, err)
	}
	return natsBus, natsBus.Close, nil
}
