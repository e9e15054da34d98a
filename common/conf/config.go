// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package conf

import (
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config is keel-agent's on-disk configuration: partition device paths,
// the scheduler's poll cadence and defaults, the crypto and join
// directories, rotation thresholds, probe ports, and the boot-stabilization
// grace period. Fields belonging to the RPC wire surface, CLI, or YAML
// manifests are out of scope and not modeled here.
type Config struct {
	// RootfsPartA and RootfsPartB are the A/B slot device paths.
	RootfsPartA string `json:",omitempty"`
	RootfsPartB string `json:",omitempty"`

	// PartitionTool is the sgdisk-equivalent binary name.
	PartitionTool string `json:",omitempty"`

	// SchedulerPollIntervalSeconds is loaded and defaulted but not read by
	// keel-agent: the executor always ticks at scheduler.TickInterval.
	SchedulerPollIntervalSeconds int `json:",omitempty"`

	// DefaultMaintenanceWindowSeconds and DefaultAutoRollback are loaded
	// and defaulted but not applied to ScheduleUpdate calls: a job's window
	// and auto-rollback preference come only from its own ScheduleParams.
	DefaultMaintenanceWindowSeconds int `json:",omitempty"`
	DefaultAutoRollback bool `json:",omitempty"`

	// CryptoDir holds the bootstrap and operational CA/leaf material.
	CryptoDir string `json:",omitempty"`
	// RotationDaysBeforeExpiry and CertValidityDays parameterize
	// identity.Config.
	RotationDaysBeforeExpiry int `json:",omitempty"`
	CertValidityDays         int `json:",omitempty"`

	// JoinDir and KubeletSentinelPath mirror identity.JoinConfig.
	JoinDir             string `json:",omitempty"`
	KubeletSentinelPath string `json:",omitempty"`

	// HealthProbePorts are the local TCP ports keel-agent registers an API
	// probe for; the first one is also the port /healthz and /metrics are
	// served on. The network probe checks no port.
	HealthProbePorts []int `json:",omitempty"`

	// BootStabilizationSeconds overrides rollback.StabilizationPeriod
	// when non-zero.
	BootStabilizationSeconds int `json:",omitempty"`
}

// NewConfig returns a Config with every default SPEC_FULL names explicitly,
// so a node with no configuration file at all still boots sanely.
func NewConfig() *Config {
	return &Config{
		RootfsPartA:                     "/dev/mmcblk0p2",
		RootfsPartB:                     "/dev/mmcblk0p3",
		PartitionTool:                   "sgdisk",
		SchedulerPollIntervalSeconds:    30,
		DefaultMaintenanceWindowSeconds: 3600,
		DefaultAutoRollback:             true,
		CryptoDir:                       "/var/lib/keel/crypto",
		RotationDaysBeforeExpiry:        30,
		CertValidityDays:                365,
		JoinDir:                         "/var/lib/keel/join",
		KubeletSentinelPath:             "/run/keel/restart-kubelet",
		HealthProbePorts:                []int{8443},
		BootStabilizationSeconds:        60,
	}
}

type ConfigWithDefaultsChecker interface {
	CheckConfigDefaults()
}

// LoadConfig parses keel-agent's configuration json-files
// (/etc/keel/agent.conf and /var/lib/keel/agent.conf) and loads the
// values into the outConfig structure defining high level client
// configurations.
func LoadConfig(mainConfigFile string, fallbackConfigFile string,
	outConfig ConfigWithDefaultsChecker) error {
	// Load fallback configuration first, then main configuration.
	// It is OK if either file does not exist, so long as the other one does exist.
	// It is also OK if both files exist.
	// Because the main configuration is loaded last, its option values
	// override those from the fallback file, for options present in both files.

	var filesLoadedCount int

	if loadErr := loadConfigFile(fallbackConfigFile, outConfig, &filesLoadedCount); loadErr != nil {
		return loadErr
	}

	if loadErr := loadConfigFile(mainConfigFile, outConfig, &filesLoadedCount); loadErr != nil {
		return loadErr
	}

	log.Debugf("Loaded %d configuration file(s)", filesLoadedCount)

	outConfig.CheckConfigDefaults()

	if filesLoadedCount == 0 {
		log.Info("No configuration files present. Using defaults")
		return nil
	}

	log.Debugf("Loaded %T configuration = %#v", outConfig, outConfig)

	return nil
}

func loadConfigFile(configFile string, outConfig interface{}, filesLoadedCount *int) error {
	// Do not treat a single config file not existing as an error here.
	// It is up to the caller to fail when both config files don't exist.
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debug("Configuration file does not exist: ", configFile)
		return nil
	}

	if err := readConfigFile(outConfig, configFile); err != nil {
		log.Errorf("Error loading configuration from file: %s (%s)", configFile, err.Error())
		return err
	}

	(*filesLoadedCount)++
	log.Info("Loaded configuration file: ", configFile)
	return nil
}

func readConfigFile(config interface{}, fileName string) error {
	// Reads keel-agent configuration (JSON) file.

	log.Debug("Reading keel-agent configuration from file " + fileName)
	conf, err := ioutil.ReadFile(fileName)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(conf, &config); err != nil {
		switch err.(type) {
		case *json.SyntaxError:
			return errors.New("Error parsing keel-agent configuration file: " + err.Error())
		}
		return errors.New("Error parsing config file: " + err.Error())
	}

	return nil
}

// CheckConfigDefaults replaces each zero-valued field other than
// DefaultAutoRollback with NewConfig's default, field by field. json.Unmarshal leaves fields absent from the
// files as the caller's struct held them, so this covers both a caller that
// started from a zero Config and a file that sets a field to its zero value.
func (c *Config) CheckConfigDefaults() {
	defaults := NewConfig()

	if c.RootfsPartA == "" {
		c.RootfsPartA = defaults.RootfsPartA
	}
	if c.RootfsPartB == "" {
		c.RootfsPartB = defaults.RootfsPartB
	}
	if c.PartitionTool == "" {
		c.PartitionTool = defaults.PartitionTool
	}
	if c.SchedulerPollIntervalSeconds == 0 {
		c.SchedulerPollIntervalSeconds = defaults.SchedulerPollIntervalSeconds
	}
	if c.DefaultMaintenanceWindowSeconds == 0 {
		c.DefaultMaintenanceWindowSeconds = defaults.DefaultMaintenanceWindowSeconds
	}
	if c.CryptoDir == "" {
		c.CryptoDir = defaults.CryptoDir
	}
	if c.RotationDaysBeforeExpiry == 0 {
		c.RotationDaysBeforeExpiry = defaults.RotationDaysBeforeExpiry
	}
	if c.CertValidityDays == 0 {
		c.CertValidityDays = defaults.CertValidityDays
	}
	if c.JoinDir == "" {
		c.JoinDir = defaults.JoinDir
	}
	if c.KubeletSentinelPath == "" {
		c.KubeletSentinelPath = defaults.KubeletSentinelPath
	}
	if len(c.HealthProbePorts) == 0 {
		c.HealthProbePorts = defaults.HealthProbePorts
	}
	if c.BootStabilizationSeconds == 0 {
		c.BootStabilizationSeconds = defaults.BootStabilizationSeconds
	}
}
