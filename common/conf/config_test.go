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
	"io/ioutil"
	"os"
	"path"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testConfig = `{
  "RootfsPartA": "/dev/sda2",
  "RootfsPartB": "/dev/sda3",
  "CryptoDir": "/data/crypto"
}`

var testBrokenConfig = `{
  "RootfsPartA": "/dev/sda2
  "RootfsPartB": "/dev/sda3"
}`

var testSchedulerConfig = `{
  "SchedulerPollIntervalSeconds": 120
}`

var testSchedulerConfigDefault = `{
  "CryptoDir": "/data/crypto"
}`

func validateConfiguration(t *testing.T, actual *Config) {
	expectedConfig := NewConfig()
	expectedConfig.RootfsPartA = "/dev/sda2"
	expectedConfig.RootfsPartB = "/dev/sda3"
	expectedConfig.CryptoDir = "/data/crypto"
	if !assert.True(t, reflect.DeepEqual(actual, expectedConfig)) {
		t.Logf("got:      %+v", actual)
		t.Logf("expected: %+v", expectedConfig)
	}
}

func Test_readConfigFile_noFile_returnsError(t *testing.T) {
	err := readConfigFile(nil, "non-existing-file")
	assert.Error(t, err)
}

func Test_readConfigFile_brokenContent_returnsError(t *testing.T) {
	configFile, _ := os.Create("keel.config")
	defer os.Remove("keel.config")

	configFile.WriteString(testBrokenConfig)

	// fails on first call to readConfigFile (invalid JSON)
	confFromFile := NewConfig()
	err := LoadConfig("keel.config", "does-not-exist.config", confFromFile)
	assert.Error(t, err)
}

func Test_LoadConfig_correctConfFile_returnsConfiguration(t *testing.T) {
	configFile, _ := os.Create("keel.config")
	defer os.Remove("keel.config")

	configFile.WriteString(testConfig)

	config := NewConfig()
	err := LoadConfig("keel.config", "does-not-exist.config", config)
	assert.NoError(t, err)
	assert.NotNil(t, config)
	validateConfiguration(t, config)

	config2 := NewConfig()
	err2 := LoadConfig("does-not-exist.config", "keel.config", config2)
	assert.NoError(t, err2)
	assert.NotNil(t, config2)
	validateConfiguration(t, config2)
}

func TestSchedulerPollIntervalConfig(t *testing.T) {
	tdir, _ := ioutil.TempDir("", "keeltest")
	confPath := path.Join(tdir, "agent.conf")
	confFile, err := os.Create(confPath)
	defer os.RemoveAll(tdir)
	assert.NoError(t, err)

	confFile.WriteString(testSchedulerConfig)
	conf := NewConfig()
	err = LoadConfig(confPath, "does-not-exist.config", conf)
	assert.NoError(t, err)
	assert.Equal(t, 120, conf.SchedulerPollIntervalSeconds)
}

func TestSchedulerPollIntervalDefault(t *testing.T) {
	conf := NewConfig()
	err := LoadConfig("does-not-exist", "also-does-not-exist", conf)
	assert.NoError(t, err)
	assert.Equal(t, 30, conf.SchedulerPollIntervalSeconds)
}

func TestSchedulerPollIntervalFallsBackToDefaultWhenFileOmitsIt(t *testing.T) {
	tdir, _ := ioutil.TempDir("", "keeltest")
	confPath := path.Join(tdir, "agent.conf")
	confFile, err := os.Create(confPath)
	defer os.RemoveAll(tdir)
	assert.NoError(t, err)

	confFile.WriteString(testSchedulerConfigDefault)
	conf := NewConfig()
	err = LoadConfig(confPath, "does-not-exist", conf)
	assert.NoError(t, err)
	assert.Equal(t, 30, conf.SchedulerPollIntervalSeconds)
	assert.Equal(t, "/data/crypto", conf.CryptoDir)
}

func TestConfigurationMergeSettings(t *testing.T) {
	var mainConfigJson = `{
		"CryptoDir": "/data/crypto-main",
		"JoinDir": "/data/join-main"
	}`

	var fallbackConfigJson = `{
		"JoinDir": "/data/join-fallback",
		"RotationDaysBeforeExpiry": 45
	}`

	mainConfigFile, _ := os.Create("main.config")
	defer os.Remove("main.config")
	mainConfigFile.WriteString(mainConfigJson)

	fallbackConfigFile, _ := os.Create("fallback.config")
	defer os.Remove("fallback.config")
	fallbackConfigFile.WriteString(fallbackConfigJson)

	config := NewConfig()
	err := LoadConfig("main.config", "fallback.config", config)
	assert.NoError(t, err)
	assert.NotNil(t, config)

	// When a setting appears in neither file, it is left with its default value.
	assert.Equal(t, "sgdisk", config.PartitionTool)

	// When a setting appears in both files, the main file takes precedence.
	assert.Equal(t, "/data/join-main", config.JoinDir)

	// When a setting appears in only one file, its value is used.
	assert.Equal(t, 45, config.RotationDaysBeforeExpiry)
	assert.Equal(t, "/data/crypto-main", config.CryptoDir)
}

func TestConfigurationNeitherFileExistsIsNotError(t *testing.T) {
	config := NewConfig()
	err := LoadConfig("does-not-exist", "also-does-not-exist", config)
	assert.NoError(t, err)
}
