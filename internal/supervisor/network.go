package supervisor

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/system"
)

// staticNetworkDefault is used when no network configuration file is
// present, mirroring the prototype's hardcoded QEMU defaults.
var staticNetworkDefault = NetworkConfig{
	Interface: "eth0",
	Address:   "10.0.2.15",
	Netmask:   "255.255.255.0",
	Gateway:   "10.0.2.2",
}

// NetworkConfig describes the primary, non-loopback interface to bring up.
// An empty Interface means only the loopback is configured.
type NetworkConfig struct {
	Interface string `json:"interface"`
	Address   string `json:"address"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
}

// LoadNetworkConfig reads the network configuration file at path. A missing
// or unreadable file is returned as an error; ConfigureNetworking then falls
// back to staticNetworkDefault.
func LoadNetworkConfig(path string) (NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NetworkConfig{}, err
	}
	var cfg NetworkConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return NetworkConfig{}, err
	}
	return cfg, nil
}

// ConfigureNetworking brings up the loopback interface unconditionally, then
// the primary interface from cfg (or the static default if configPath could
// not be read). Every ifconfig/route invocation is independent; failures are
// logged and do not stop the sequence.
func ConfigureNetworking(cmd system.Commander, configPath string) {
	cfg, err := LoadNetworkConfig(configPath)
	if err != nil {
		log.WithError(err).WithField("path", configPath).Debug("supervisor: no network config found, using static default")
		cfg = staticNetworkDefault
	}

	runIfconfig(cmd, "lo", "127.0.0.1", "", "")

	if cfg.Interface == "" {
		return
	}
	runIfconfig(cmd, cfg.Interface, cfg.Address, cfg.Netmask, "")

	if cfg.Gateway != "" {
		if err := cmd.Command("busybox", "route", "add", "default", "gw", cfg.Gateway).Run(); err != nil {
			log.WithError(err).WithField("gateway", cfg.Gateway).Warn("supervisor: failed to add default route")
			return
		}
		log.WithField("gateway", cfg.Gateway).Debug("supervisor: added default route")
	}
}

func runIfconfig(cmd system.Commander, iface, addr, netmask, extra string) {
	args := []string{"ifconfig", iface, addr}
	if netmask != "" {
		args = append(args, "netmask", netmask)
	}
	args = append(args, "up")

	if err := cmd.Command("busybox", args...).Run(); err != nil {
		log.WithError(err).WithField("interface", iface).Warn("supervisor: failed to configure interface")
		return
	}
	log.WithField("interface", iface).WithField("address", addr).Debug("supervisor: configured interface")
}
