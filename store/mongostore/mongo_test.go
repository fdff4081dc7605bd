package mongostore_test

import (
	"os"
	"testing"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/store/mongostore"
	"github.com/BaSui01/knowledgecore/store/storetest"
	"github.com/google/uuid"
)

// 需要真实 MongoDB 实例，通过 MONGO_TEST_URI 指定，例如
// MONGO_TEST_URI=mongodb://localhost:27017 go test ./store/mongostore/
func TestMongoBackendConformance(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := mongostore.New(mongostore.Config{
			URI:      uri,
			Database: "kc_test_" + uuid.NewString()[:8],
		}, nil)
		if err != nil {
			t.Fatalf("connect mongo: %v", err)
		}
		return b
	})
}
