package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"meshwatch/internal/agent"
	"meshwatch/internal/config"
	"meshwatch/internal/identity"
)

// restartExitCode tells the supervisor to relaunch the agent rather than
// treat the exit as a clean stop.
const restartExitCode = 3

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)

	id, err := identity.Load(cfg.Version)
	if err != nil {
		log.WithError(err).Fatal("Failed to derive machine identity")
	}
	log.WithFields(logrus.Fields{
		"node":     id.ID,
		"hostname": id.Hostname,
		"version":  id.Version,
	}).Info("Starting agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.New(*cfg, id, nil, log)
	err = client.Run(ctx)
	stop()

	switch {
	case errors.Is(err, agent.ErrRestartRequested):
		log.Info("Exiting for restart")
		os.Exit(restartExitCode)
	case err != nil:
		log.WithError(err).Fatal("Agent failed")
	default:
		log.Info("Agent stopped")
	}
}
