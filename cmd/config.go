package main

import (
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/xtreemfs/flease"
)

type Config struct {
	// Identity defaults to the hostname.
	Identity string
	// Peers maps the identities of the other acceptors to their grpc
	// addresses, e.g. "b:10.0.0.2:8001,c:10.0.0.3:8001".
	Peers map[string]string

	ListenAddress string `default:":8001" split_words:"true"`
	HTTPAddress   string `default:":8002" split_words:"true"`
	DataDir       string `default:"/var/lib/flease" split_words:"true"`

	// Cells are opened on startup with all peers as acceptors.
	Cells              []string
	RequestMasterEpoch bool `default:"true" split_words:"true"`

	LeaseTimeout      time.Duration `default:"14s" split_words:"true"`
	DMax              time.Duration `default:"1s" split_words:"true"`
	MessageTimeout    time.Duration `default:"500ms" split_words:"true"`
	RoundTimeout      time.Duration `default:"1s" split_words:"true"`
	MaxRetries        int           `default:"3" split_words:"true"`
	RestartWait       time.Duration `split_words:"true"`
	SendLearnMessages bool          `default:"true" split_words:"true"`
	Debug             bool
}

func LoadConfig() *Config {
	conf := Config{}
	if err := envconfig.Process("flease", &conf); err != nil {
		log.Fatal(err)
	}
	if conf.Identity == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatal("Couldn't get hostname")
		}
		conf.Identity = hostname
	}

	return &conf
}

func (conf *Config) fleaseConfig() flease.Config {
	config := flease.DefaultConfig(conf.Identity)
	config.LeaseTimeout = conf.LeaseTimeout
	config.DMax = conf.DMax
	config.MessageTimeout = conf.MessageTimeout
	config.RoundTimeout = conf.RoundTimeout
	config.MaxRetries = conf.MaxRetries
	config.RestartWait = conf.RestartWait
	config.SendLearnMessages = conf.SendLearnMessages
	config.Debug = conf.Debug
	return config
}

func (conf *Config) acceptors() []string {
	acceptors := []string{conf.Identity}
	for identity := range conf.Peers {
		acceptors = append(acceptors, identity)
	}
	return acceptors
}
