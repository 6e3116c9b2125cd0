package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageTypeBolt     = "bolt"
	StorageTypeInMemory = "in-memory"
)

type Config struct {
	Name      string    `yaml:"name" json:"name" env:"APP_NAME" env-default:"procflow"` // used for OTEL as an application identifier
	Server    Server    `yaml:"server" json:"server"`                                   // configuration of the public REST server
	Storage   Storage   `yaml:"storage" json:"storage"`
	Scheduler Scheduler `yaml:"scheduler" json:"scheduler"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Storage struct {
	// Type selects the storage backend: bolt or in-memory.
	Type string `yaml:"type" json:"type" env:"STORAGE_TYPE" env-default:"bolt"`
	// Path is the bolt state file location.
	Path string `yaml:"path" json:"path" env:"STORAGE_PATH" env-default:"procflow.db"`
}

type Scheduler struct {
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" env:"SCHEDULER_POLL_INTERVAL" env-default:"1s"`
	LockDuration time.Duration `yaml:"lockDuration" json:"lockDuration" env:"SCHEDULER_LOCK_DURATION" env-default:"5m"`
	BatchSize    int           `yaml:"batchSize" json:"batchSize" env:"SCHEDULER_BATCH_SIZE" env-default:"32"`
	Workers      int           `yaml:"workers" json:"workers" env:"SCHEDULER_WORKERS" env-default:"4"`
	// ReaperSchedule is a cron expression for the expired-lock reaper.
	ReaperSchedule string `yaml:"reaperSchedule" json:"reaperSchedule" env:"SCHEDULER_REAPER_SCHEDULE" env-default:"@every 1m"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
