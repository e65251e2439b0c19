package memory

import (
	"testing"

	"market-extremes/internal/storage"
	"market-extremes/internal/storage/storagetest"
)

func TestEventStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.EventStore {
		return NewEventStore()
	})
}
