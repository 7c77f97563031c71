// Command identityd is a demo entrypoint for the identity manager: it wires
// a filesystem-backed credential provider, a manager, and a Prometheus
// metrics endpoint for local testing. It is not the production shell that
// would host the manager inside a desktop session; that shell is external
// to this module.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/freedesktop/identityd/internal/identity"
	"github.com/freedesktop/identityd/internal/manager"
	"github.com/freedesktop/identityd/internal/metrics"
	"github.com/freedesktop/identityd/internal/provider"
	"github.com/freedesktop/identityd/internal/provider/filecache"
	"github.com/freedesktop/identityd/internal/version"
)

func main() {
	var (
		app        = kingpin.New(filepath.Base(os.Args[0]), "A Kerberos-style identity manager.").DefaultEnvars()
		debug      = app.Flag("debug", "Enable debug logging.").Short('d').Bool()
		cacheDir   = app.Flag("cache-dir", "Directory of *.cache.json credential caches to manage.").Required().ExistingDir()
		autoRenew  = app.Flag("auto-renew", "Automatically renew identities when they approach expiration.").Bool()
		metricAddr = app.Flag("metrics-listen", "Address at which to serve Prometheus metrics.").Default(":9090").String()
	)
	app.Version(version.Version)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	zl, err := newZapLogger(*debug)
	kingpin.FatalIfError(err, "cannot create logger")
	log := logging.NewLogrLogger(zapr.NewLogger(zl))

	reg := prometheus.NewRegistry()
	ms := metrics.New(reg)

	go serveMetrics(*metricAddr, reg, log)

	p, err := filecache.New(*cacheDir, provider.KindDir, filecache.WithLogger(log))
	kingpin.FatalIfError(err, "cannot create credential cache provider")

	mgrOpts := []manager.Option{manager.WithLogger(log), manager.WithMetrics(ms)}
	if *autoRenew {
		mgrOpts = append(mgrOpts, manager.WithAutoRenew())
	}
	mgr := manager.New(p, mgrOpts...)
	mgr.AddEventHandler(manager.EventHandlerFuncs{
		AddFunc:    func(id *identity.Identity) { log.Info("identity added", "identifier", id.Identifier(), "display", id.DisplayName()) },
		RemoveFunc: func(id *identity.Identity) { log.Info("identity removed", "identifier", id.Identifier()) },
		RenewFunc:  func(id *identity.Identity) { log.Info("identity renewed", "identifier", id.Identifier()) },
		RenameFunc: func(id *identity.Identity) { log.Info("identity renamed", "identifier", id.Identifier(), "display", id.DisplayName()) },
		ExpireFunc: func(id *identity.Identity) { log.Info("identity expired", "identifier", id.Identifier()) },
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kingpin.FatalIfError(mgr.Start(ctx), "cannot start identity manager")
	defer mgr.Stop()

	log.Debug("listening for identity events", "cache-dir", *cacheDir)
	if err := mgr.Run(ctx); err != nil && err != context.Canceled {
		kingpin.FatalIfError(err, "identity manager dispatch loop exited unexpectedly")
	}
}

func newZapLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveMetrics(addr string, reg *prometheus.Registry, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Debug("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Info(fmt.Sprintf("metrics server stopped: %v", err))
	}
}
