package store_test

import (
	"testing"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/store/storetest"
)

func TestMemoryBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return store.NewMemoryBackend(nil)
	})
}
