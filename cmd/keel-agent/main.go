// Command keel-agent is the node-local management agent PID-1 supervises:
// it runs the update scheduler's executor, the boot-time rollback
// supervisor, the certificate rotation monitor, and a minimal mTLS health
// and metrics surface, all driven by a single on-disk configuration file.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/common/conf"
	"github.com/keelos/agent/internal/control"
	"github.com/keelos/agent/internal/datastore"
	"github.com/keelos/agent/internal/identity"
	"github.com/keelos/agent/internal/metrics"
	"github.com/keelos/agent/internal/partition"
	"github.com/keelos/agent/internal/rollback"
	"github.com/keelos/agent/internal/scheduler"
	"github.com/keelos/agent/internal/system"
	"github.com/keelos/agent/internal/transport"
)

const (
	mainConfigPath     = "/etc/keel/agent.conf"
	fallbackConfigPath = "/var/lib/keel/agent.conf"
	scheduleStoreName  = "schedule.json"
	scheduleDir        = "/var/lib/keel/scheduler"
	rollbackDir        = "/var/lib/keel/rollback"
	historyDir         = "/var/lib/keel/rollback-history"

	// testUpdateSourceURL and testUpdateDelay match the test harness's own
	// in-VM update fixture: a fixed delay after boot, against a fixed
	// address reachable only inside the test VM's network namespace.
	testUpdateSourceURL = "http://10.0.2.2:8080/update.squashfs"
	testUpdateDelay     = 15 * time.Second
)

func main() {
	log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	log.Info("keel-agent: starting")

	cfg := conf.NewConfig()
	if err := conf.LoadConfig(mainConfigPath, fallbackConfigPath, cfg); err != nil {
		log.WithError(err).Fatal("keel-agent: failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	srv, err := build(cfg)
	if err != nil {
		log.WithError(err).Fatal("keel-agent: failed to assemble server")
	}

	if partition.TestUpdateRequested() {
		scheduleTestUpdate(srv.control.Scheduler)
	}

	go srv.schedulerExecutor.Run(ctx)
	go srv.identityManager.Monitor(ctx)
	go func() {
		status := srv.rollbackSupervisor.RunBootSequence(ctx)
		log.WithField("status", status).Info("keel-agent: boot health sequence complete")
	}()

	serveHealth(ctx, srv)

	<-ctx.Done()
	log.Info("keel-agent: shutting down")
}

// scheduleTestUpdate is the thin wrapper SPEC_FULL.md's test_update=1
// contract promises: it schedules exactly the delayed self-test update the
// kernel cmdline flag requests, reusing the same durable job table and
// executor tick loop any other scheduled update goes through.
func scheduleTestUpdate(sched *scheduler.Scheduler) {
	at := time.Now().Add(testUpdateDelay)
	job, err := sched.Schedule(scheduler.ScheduleParams{SourceURL: testUpdateSourceURL, ScheduledAt: &at})
	if err != nil {
		log.WithError(err).Warn("keel-agent: failed to schedule test_update=1 self-test update")
		return
	}
	log.WithField("job_id", job.ID).WithField("scheduled_at", at).
		Info("keel-agent: test_update=1 detected, scheduled self-test update")
}

// agent bundles everything build assembles, so main can start the
// background loops and hand the rest to control.Server without repeating
// the wiring.
type agent struct {
	control            *control.Server
	schedulerExecutor  *scheduler.Executor
	rollbackSupervisor *rollback.Supervisor
	identityManager    *identity.Manager
	tlsBuilder         *transport.Builder
	probePorts         []int
}

func build(cfg *conf.Config) (*agent, error) {
	osCalls := system.OsCalls{}

	engine := partition.NewEngine(osCalls, cfg.RootfsPartA, cfg.RootfsPartB, cfg.PartitionTool)

	rollbackStore := partition.NewRollbackStore(datastore.NewDirStore(rollbackDir))
	history := rollback.NewHistory(datastore.NewDirStore(historyDir))

	scheduleStore := datastore.NewJSONStore(datastore.NewDirStore(scheduleDir), scheduleStoreName)
	sched, err := scheduler.New(scheduleStore)
	if err != nil {
		return nil, err
	}

	executor := &scheduler.Executor{
		Scheduler:     sched,
		Engine:        engine,
		RollbackStore: rollbackStore,
		HTTPClient:    http.DefaultClient,
		Commander:     osCalls,
	}

	rebooter := system.NewRebootCmd(osCalls)

	probes := []rollback.Probe{
		rollback.NewBootProbe(),
		rollback.NewNetworkProbe(),
	}
	for _, port := range cfg.HealthProbePorts {
		probes = append(probes, rollback.NewAPIProbe(port))
	}

	supervisor := &rollback.Supervisor{
		Probes:        probes,
		Engine:        engine,
		RollbackStore: rollbackStore,
		History:       history,
		Reboot:        rebooter,
		Notifier:      sched,
		Stabilization: time.Duration(cfg.BootStabilizationSeconds) * time.Second,
	}

	identityManager := identity.NewManager(identity.Config{
		CACertPath:               cfg.CryptoDir + "/ca.pem",
		CAKeyPath:                cfg.CryptoDir + "/ca.key",
		ServerCertPath:           cfg.CryptoDir + "/server.pem",
		ServerKeyPath:            cfg.CryptoDir + "/server.key",
		RotationDaysBeforeExpiry: cfg.RotationDaysBeforeExpiry,
		CertValidityDays:         cfg.CertValidityDays,
		ServerCommonName:         "keel-agent",
	})
	if err := identityManager.InitializeCA(); err != nil {
		log.WithError(err).Warn("keel-agent: failed to initialize identity manager")
	}

	tlsBuilder := transport.NewBuilder(identityManager, transport.Config{
		ServerCertPath: cfg.CryptoDir + "/server.pem",
		ServerKeyPath:  cfg.CryptoDir + "/server.key",
	})

	joinCfg := identity.JoinConfig{JoinDir: cfg.JoinDir, KubeletSentinelPath: cfg.KubeletSentinelPath}

	srv := control.NewServer()
	srv.Scheduler = sched
	srv.Executor = executor
	srv.Engine = engine
	srv.RollbackEngine = engine
	srv.RollbackStore = rollbackStore
	srv.RollbackHistory = history
	srv.Rebooter = rebooter
	srv.Probes = probes
	srv.Identity = identityManager
	srv.JoinConfig = joinCfg

	return &agent{
		control:            srv,
		schedulerExecutor:  executor,
		rollbackSupervisor: supervisor,
		identityManager:    identityManager,
		tlsBuilder:         tlsBuilder,
		probePorts:         cfg.HealthProbePorts,
	}, nil
}

// serveHealth exposes /healthz and /metrics over mTLS on the first
// configured probe port, mirroring the pack's bare-ServeMux health-endpoint
// style rather than pulling in a router for two routes. The RPC operation
// set itself (control.Server) has no wire protocol here; this listener only
// carries the ambient health/metrics surface.
func serveHealth(ctx context.Context, a *agent) {
	if len(a.probePorts) == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := a.control.GetHealth(r.Context())
		if report.Status == rollback.Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(report.Status))
	})
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf("0.0.0.0:%d", a.probePorts[0])
	builder := a.tlsBuilder
	listener := &http.Server{
		Addr:    addr,
		Handler: mux,
		TLSConfig: &tls.Config{
			GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
				return builder.Get()
			},
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = listener.Shutdown(shutdownCtx)
	}()

	go func() {
		log.WithField("addr", addr).Info("keel-agent: serving health and metrics")
		if err := listener.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("keel-agent: health listener exited")
		}
	}()
}
