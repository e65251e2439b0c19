package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve runs only the read API against the configured event store.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.newAPIServer(store).Run(ctx)
}
