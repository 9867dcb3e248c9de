package memory_test

import (
	"testing"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/store/memory"
	"github.com/nvcnvn/duops/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) duops.Store {
		return memory.New()
	})
}
