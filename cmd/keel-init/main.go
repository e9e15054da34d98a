// Command keel-init is PID 1: it brings up the minimal environment the rest
// of the node needs (pseudo-filesystems, networking, bootstrap certificates)
// and then supervises the container runtime, the node agent, and the
// cluster agent for the life of the machine. It must never exit.
package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/datastore"
	"github.com/keelos/agent/internal/identity"
	"github.com/keelos/agent/internal/partition"
	"github.com/keelos/agent/internal/supervisor"
	"github.com/keelos/agent/internal/system"
)

const (
	networkConfigPath   = "/etc/keel/network.json"
	kubeletSentinelPath = "/run/keel/restart-kubelet"
	cryptoDir           = "/var/lib/keel/crypto"
	rollbackDir         = "/var/lib/keel/rollback"
)

func main() {
	log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})

	log.Info("keel-init: starting")

	if err := run(); err != nil {
		log.WithError(err).Error("keel-init: fatal error during bring-up, entering maintenance mode")
	}

	maintenanceLoop()
}

func run() error {
	setUmask()

	tracker := supervisor.NewBootTracker()

	tracker.StartPhase("filesystem")
	supervisor.MountPseudoFilesystems(supervisor.OSMounter{})

	tracker.StartPhase("network")
	supervisor.ConfigureNetworking(system.OsCalls{}, networkConfigPath)

	tracker.StartPhase("bootstrap_certs")
	manager := identity.NewManager(identity.Config{
		CACertPath:               cryptoDir + "/ca.pem",
		CAKeyPath:                cryptoDir + "/ca.key",
		ServerCertPath:           cryptoDir + "/server.pem",
		ServerKeyPath:            cryptoDir + "/server.key",
		RotationDaysBeforeExpiry: 30,
		CertValidityDays:         365,
		ServerCommonName:         "keel-agent",
	})
	if err := manager.InitializeCA(); err != nil {
		log.WithError(err).Warn("keel-init: failed to generate bootstrap certificates")
	}

	checkTestMode()

	rollbackStore := partition.NewRollbackStore(datastore.NewDirStore(rollbackDir))
	clusterAgentPolicy := supervisor.RespawnBackoff
	bootCount, err := rollbackStore.IncrementBootCounter()
	if err != nil {
		log.WithError(err).Warn("keel-init: failed to update boot counter")
	} else if bootCount >= partition.BootLoopThreshold {
		log.WithField("boot_counter", bootCount).
			Warn("keel-init: boot loop detected, cluster agent will not be respawned this boot")
		clusterAgentPolicy = supervisor.RespawnNone
	}

	tracker.StartPhase("services")
	sup := supervisor.NewSupervisor(supervisor.OSSpawner{}, kubeletSentinelPath)
	sup.SpawnInitial([]supervisor.ChildSpec{
		{Name: supervisor.ContainerRuntimeName, Path: "/usr/bin/containerd", Policy: supervisor.RespawnImmediate},
		{Name: supervisor.AgentName, Path: "/usr/bin/keel-agent", Policy: supervisor.RespawnBackoff},
		{Name: supervisor.ClusterAgentName, Path: kubeletPath(), Args: kubeletArgs(), Policy: clusterAgentPolicy},
	})

	tracker.EndCurrentPhase()
	tracker.LogSummary()

	sup.Run(nil)
	return nil
}

func kubeletPath() string {
	if _, err := os.Stat("/var/lib/keel/bin/kubelet"); err == nil {
		return "/var/lib/keel/bin/kubelet"
	}
	return "/usr/bin/kubelet"
}

func kubeletArgs() []string {
	args := []string{"--config=/etc/kubernetes/kubelet-config.yaml", "--v=2"}
	if _, err := os.Stat("/var/lib/keel/kubernetes/kubelet.kubeconfig"); err == nil {
		args = append(args, "--kubeconfig=/var/lib/keel/kubernetes/kubelet.kubeconfig")
	}
	return args
}

// checkTestMode logs the kernel command line at debug level. It does not act
// on test_update=1: keel-agent reads that flag through
// partition.TestUpdateRequested and schedules the self-test update itself.
func checkTestMode() {
	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		log.WithError(err).Debug("keel-init: could not read /proc/cmdline")
		return
	}
	log.WithField("cmdline", string(cmdline)).Debug("keel-init: kernel command line")
}

func maintenanceLoop() {
	log.Info("keel-init: entering maintenance loop")
	for {
		supervisor.ReapZombies()
		time.Sleep(60 * time.Second)
	}
}
