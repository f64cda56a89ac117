package repository_test

import (
	"testing"

	"github.com/m-mizutani/rendezvous/pkg/repository"
)

func TestInMemory(t *testing.T) {
	runConformance(t, func(t *testing.T) repository.Repository {
		return repository.NewInMemory(repository.WithDimensions(testDims))
	})
}

func TestInMemoryUnconfiguredDimensions(t *testing.T) {
	testUnconfiguredDimensions(t, repository.NewInMemory())
}
