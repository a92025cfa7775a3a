// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/defaultdb"
	"github.com/ctrliq/keynotify/internal/pkg/keywatch"
	"github.com/ctrliq/keynotify/internal/pkg/mailer"
	"github.com/ctrliq/keynotify/internal/pkg/taskqueue"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/hkp"
	"github.com/ctrliq/keynotify/pkg/hkpserver"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	Dir  = "/usr/local/etc/keynotify"
	File = "keynotify.yaml"
)

const (
	keyserverURLEnv   = "KEYNOTIFY_KEYSERVER_URL"
	keyserverRateEnv  = "KEYNOTIFY_KEYSERVER_RATE"
	queueWorkersEnv   = "KEYNOTIFY_QUEUE_WORKERS"
	keywatchDaysEnv   = "KEYNOTIFY_KEYWATCH_WARN_DAYS"
	metricsAddressEnv = "KEYNOTIFY_METRICS_ADDRESS"
	directoryAddrEnv  = "KEYNOTIFY_DIRECTORY_ADDRESS"
	logLevelEnv       = "KEYNOTIFY_LOG_LEVEL"
)

type Config struct {
	Keyserver hkp.Config       `yaml:"keyserver"`
	Mail      mailer.Config    `yaml:"mail"`
	Queue     taskqueue.Config `yaml:"queue"`
	KeyWatch  keywatch.Config  `yaml:"keywatch"`
	Directory hkpserver.Config `yaml:"directory"`

	MetricsAddress string `yaml:"metrics-address"`
	LogLevel       string `yaml:"log-level"`

	DBEngine string                 `yaml:"db"`
	DBConfig map[string]interface{} `yaml:"db-config"`
}

var DefaultConfig Config = Config{
	Keyserver: hkp.Config{
		URL:     "hkps://keys.openpgp.org",
		Timeout: hkp.DefaultTimeout,
		Rate:    1,
		Burst:   5,
	},
	Mail:     mailer.DefaultConfig,
	Queue:    taskqueue.DefaultConfig,
	KeyWatch: keywatch.DefaultConfig,
	LogLevel: logrus.InfoLevel.String(),
	DBEngine: defaultdb.Name,
}

// Parse reads the configuration file at path, defaults are
// returned when the file doesn't exist.
func Parse(path string) (Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, err
	} else if os.IsNotExist(err) {
		return DefaultConfig, nil
	}

	cfg := DefaultConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.DBEngine == "" {
		cfg.DBEngine = defaultdb.Name
	}

	// parse the database configuration
	db, ok := database.GetDatabaseEngine(cfg.DBEngine)
	if !ok {
		return Config{}, fmt.Errorf("unknown database engine '%s'", cfg.DBEngine)
	}

	b, err = yaml.Marshal(cfg.DBConfig)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, db.NewConfig()); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Check(cfg *Config) error {
	// get environment to take precedence over configuration file
	env := os.Getenv(keyserverURLEnv)
	if env != "" {
		cfg.Keyserver.URL = env
	}
	env = os.Getenv(keyserverRateEnv)
	if env != "" {
		f, err := strconv.ParseFloat(env, 64)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", keyserverRateEnv, err)
		}
		cfg.Keyserver.Rate = f
	}
	env = os.Getenv(queueWorkersEnv)
	if env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", queueWorkersEnv, err)
		}
		cfg.Queue.Workers = n
	}
	env = os.Getenv(keywatchDaysEnv)
	if env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", keywatchDaysEnv, err)
		}
		cfg.KeyWatch.WarnDays = n
	}
	env = os.Getenv(metricsAddressEnv)
	if env != "" {
		cfg.MetricsAddress = env
	}
	env = os.Getenv(directoryAddrEnv)
	if env != "" {
		cfg.Directory.Addr = env
	}
	env = os.Getenv(logLevelEnv)
	if env != "" {
		cfg.LogLevel = env
	}

	if cfg.Keyserver.URL != "" {
		if _, err := hkp.ParseURL(cfg.Keyserver.URL); err != nil {
			return fmt.Errorf("configuration keyserver url: %s", err)
		}
	}
	if cfg.Keyserver.Rate < 0 {
		return fmt.Errorf("configuration keyserver rate must be positive")
	}
	if cfg.Queue.Workers <= 0 {
		return fmt.Errorf("configuration queue workers must be greater than zero")
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("configuration queue max-retries must be positive")
	}
	if cfg.KeyWatch.Interval < time.Minute {
		return fmt.Errorf("configuration keywatch interval must be at least one minute")
	}
	if cfg.KeyWatch.WarnDays < 0 {
		return fmt.Errorf("configuration keywatch warn-days must be positive")
	}
	if (cfg.Directory.PublicPem == "") != (cfg.Directory.PrivatePem == "") {
		return fmt.Errorf("configuration directory requires both tls-cert and tls-key")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("configuration log-level: %s", err)
	}
	if err := mailer.CheckConfig(&cfg.Mail); err != nil {
		return err
	}
	db, ok := database.GetDatabaseEngine(cfg.DBEngine)
	if !ok {
		return fmt.Errorf("unknown database engine '%s'", cfg.DBEngine)
	}
	if err := db.CheckConfig(); err != nil {
		return err
	}

	return nil
}
