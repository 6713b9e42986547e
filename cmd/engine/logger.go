package main

import (
	"github.com/septivank/energy-anomaly-engine/internal/config"
	"github.com/septivank/energy-anomaly-engine/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
