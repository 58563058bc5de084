package mongo_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/docstore/storetest"
	"github.com/warp/academy-ledger/store/mongo"
)

// Needs a replica set (transactions), e.g.
// MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func newTestStore(t *testing.T) *mongo.Store {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	database := fmt.Sprintf("academy_test_%d", time.Now().UnixNano())
	store, err := mongo.Connect(ctx, uri, database)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = store.Drop(ctx)
		_ = store.Close(ctx)
	})
	return store
}

func TestMongo_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) docstore.Store { return newTestStore(t) })
}
