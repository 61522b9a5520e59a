package bucketing

import (
	"fmt"
	"testing"

	"identity-service/internal/config"

	"github.com/stretchr/testify/assert"
)

func newManager(users, events int) *BucketingManager {
	cfg := &config.Config{}
	cfg.Bucketing.UserBuckets = users
	cfg.Bucketing.EventBuckets = events
	return NewBucketingManager(cfg)
}

func TestUserBucketIsStableAndInRange(t *testing.T) {
	bm := newManager(64, 16)

	id := "5b1f3c1e-9f1a-4b8e-a7a2-1f0c2d3e4f50"
	first := bm.GetUserBucket(id)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, bm.GetUserBucket(id))
	}

	for i := 0; i < 1000; i++ {
		b := bm.GetUserBucket(fmt.Sprintf("user-%d", i))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
	}
}

func TestBucketsSpreadKeys(t *testing.T) {
	bm := newManager(8, 4)

	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[bm.GetEventBucket(fmt.Sprintf("k%d", i))] = true
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, 4, bm.GetEventBuckets())
}
