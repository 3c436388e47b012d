package main

import (
	"os"

	"github.com/MalauD/Pixure/setup"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var log = logrus.WithField("logger", "main")

func main() {
	configFile := pflag.String("config", "", "YAML configuration file")
	listen := pflag.String("listen", "", "address to listen on, overrides the configured one")
	pflag.Parse()

	cfg, err := setup.Load(*configFile, os.Environ())
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Set(setup.EnvListen, *listen)
	}

	pixure, err := setup.Init(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to start pixure")
		os.Exit(1)
	}
	defer pixure.Close()

	if err := pixure.Server.Run(); err != nil {
		log.WithError(err).Error("Server stopped")
	}
}
