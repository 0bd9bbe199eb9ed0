package main

import (
	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/middleware"
	"github.com/meshns/meshns/middleware/accesslist"
	"github.com/meshns/meshns/middleware/accesslog"
	"github.com/meshns/meshns/middleware/authority"
	"github.com/meshns/meshns/middleware/forwarder"
	"github.com/meshns/meshns/middleware/metrics"
	"github.com/meshns/meshns/middleware/ratelimit"
	"github.com/meshns/meshns/middleware/recovery"
)

// registerMiddlewares registers the query chain. Order matters: the
// authority answers before anything is forwarded.
func registerMiddlewares() {
	middleware.Register("recovery", func(cfg *config.Config) middleware.Handler { return recovery.New(cfg) })
	middleware.Register("accesslist", func(cfg *config.Config) middleware.Handler { return accesslist.New(cfg) })
	middleware.Register("ratelimit", func(cfg *config.Config) middleware.Handler { return ratelimit.New(cfg) })
	middleware.Register("metrics", func(cfg *config.Config) middleware.Handler { return metrics.New(cfg) })
	middleware.Register("accesslog", func(cfg *config.Config) middleware.Handler { return accesslog.New(cfg) })
	middleware.Register("authority", func(cfg *config.Config) middleware.Handler { return authority.New(cfg) })
	middleware.Register("forwarder", func(cfg *config.Config) middleware.Handler { return forwarder.New(cfg) })
}
