// Command kaze-server runs the static-file HTTP server on the coroutine
// runtime: an I/O manager drives the accept loop and every connection as
// cooperative fibers, with an optional HTTP/3 front. When a DSN is
// configured it also opens a SQLite-backed connection pool; the static-file
// handlers do not use it.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kaze-rt/kaze/internal/config"
	"github.com/kaze-rt/kaze/internal/httpsrv"
	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/logx"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/sqlpool"
	"github.com/kaze-rt/kaze/internal/version"
)

func main() {
	var (
		cfgPath     = flag.String("config", "", "path to a JSON config file (watched; reloads are logged, not applied)")
		listen      = flag.String("listen", "", "listen address, overrides the config")
		workers     = flag.Int("workers", 0, "worker count, overrides the config")
		docRoot     = flag.String("root", "", "document root, overrides the config")
		enableHTTP3 = flag.Bool("http3", false, "also serve the doc root over HTTP/3")
		showVersion = flag.Bool("version", false, "print the runtime version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("kaze", version.Version)
		return
	}

	log := logx.Development()
	defer log.Sync()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal("config load failed", zap.Error(err))
		}
		cfg = loaded
		w, err := config.Watch(*cfgPath, func(c *config.Config) {
			// Reloaded settings are not applied to the running server; a
			// restart picks them up. Only the reload itself is logged.
			log.Info("config file changed", zap.String("name", c.Name))
		})
		if err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer w.Close()
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *docRoot != "" {
		cfg.DocRoot = *docRoot
	}
	if *enableHTTP3 {
		cfg.HTTP3 = true
	}

	addr, err := netaddr.Resolve(cfg.Listen)
	if err != nil {
		log.Fatal("bad listen address", zap.Error(err))
	}

	var pool *sqlpool.Pool
	if cfg.SQL.DSN != "" {
		pool, err = sqlpool.Open(cfg.SQL.DSN, cfg.SQL.PoolSize)
		if err != nil {
			log.Fatal("sql pool failed", zap.Error(err))
		}
		defer pool.Close()
	}

	iom := ioman.New(cfg.Workers, false, cfg.Name)
	srv := httpsrv.NewServer(iom, cfg.Name, cfg.DocRoot)
	srv.RecvTimeoutMS = cfg.RecvTimeoutMS
	if err := srv.Bind(addr); err != nil {
		log.Fatal("bind failed", zap.Error(err))
	}
	srv.Start()
	log.Info("serving", zap.Stringer("addr", srv.Addr()),
		zap.String("root", cfg.DocRoot), zap.String("version", version.Version))

	var h3 *httpsrv.HTTP3Front
	if cfg.HTTP3 {
		h3, err = httpsrv.NewHTTP3Front(cfg.HTTP3Listen, cfg.DocRoot, nil)
		if err != nil {
			log.Fatal("http3 front failed", zap.Error(err))
		}
		h3Addr, err := h3.Start()
		if err != nil {
			log.Fatal("http3 start failed", zap.Error(err))
		}
		log.Info("serving http3", zap.String("addr", h3Addr))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if h3 != nil {
		h3.Stop()
	}
	srv.Stop()
	iom.Stop()
}
