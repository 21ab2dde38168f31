package main

import (
	"fmt"

	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/backend/remote"
	"github.com/webstreamer/webstreamer/internal/backend/store"
	"github.com/webstreamer/webstreamer/internal/config"
)

// buildWorkers opens one backend worker per config entry, in config order.
// The first entry becomes the pool's primary worker.
func buildWorkers(cfg *config.Config) ([]backend.Worker, error) {
	workers := make([]backend.Worker, 0, len(cfg.Workers))
	for i := range cfg.Workers {
		w, err := buildWorker(&cfg.Workers[i])
		if err != nil {
			return nil, fmt.Errorf("worker %q: %w", cfg.Workers[i].Name, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func buildWorker(wc *config.WorkerConfig) (backend.Worker, error) {
	switch wc.Type {
	case config.WorkerRemote:
		timeout, err := wc.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		return remote.New(remote.Options{
			ID:      wc.Name,
			URL:     wc.URL,
			Token:   wc.Token,
			Timeout: timeout,
		})
	case config.WorkerStore:
		return openStore(wc)
	default:
		return nil, fmt.Errorf("unknown worker type %q", wc.Type)
	}
}

func openStore(wc *config.WorkerConfig) (*store.Worker, error) {
	return store.New(store.Options{
		ID:        wc.Name,
		Channel:   wc.Channel,
		DataDir:   wc.DataDir,
		Secret:    wc.Secret,
		BlockSize: wc.BlockSize.Bytes(),
	})
}
