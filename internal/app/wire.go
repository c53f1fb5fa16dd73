//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"

	"github.com/uniedit/taskorch/internal/infra/config"
)

// InitializeApp creates the server process using Wire.
func InitializeApp(cfg *config.Config) (*App, func(), error) {
	wire.Build(
		InfraSet,
		ProviderSet,
		LedgerSet,
		TaskSet,
		QueueSet,
		HTTPSet,
		NewApp,
	)
	return nil, nil, nil
}

// InitializeWorker creates the durable queue worker process using Wire.
func InitializeWorker(cfg *config.Config) (*Worker, func(), error) {
	wire.Build(
		InfraSet,
		ProviderSet,
		LedgerSet,
		TaskSet,
		ProvideWorker,
		NewWorkerApp,
	)
	return nil, nil, nil
}
