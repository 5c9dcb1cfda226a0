package repository

import "testing"

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Repository {
		return NewMemoryStore()
	})
}
