package actor

import (
	"testing"
	"time"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/sshtypes"
)

func TestDirCacheHitWithinTTL(t *testing.T) {
	c := newDirCache()
	entries := []sshtypes.SftpEntry{{Name: "a"}, {Name: "b"}}
	c.put("/home/alice", entries)

	got, ok := c.get("/home/alice")
	if !ok || len(got) != 2 {
		t.Fatalf("expected cache hit with 2 entries, got ok=%v entries=%v", ok, got)
	}
}

func TestDirCacheNormalizesTrailingSlash(t *testing.T) {
	c := newDirCache()
	c.put("/a/", []sshtypes.SftpEntry{{Name: "x"}})

	_, ok := c.get("/a")
	if !ok {
		t.Fatal("expected /a and /a/ to share one cache slot")
	}
}

func TestDirCacheRootNormalizesToSlash(t *testing.T) {
	c := newDirCache()
	c.put("/", []sshtypes.SftpEntry{{Name: "root-entry"}})
	_, ok := c.get("/")
	if !ok {
		t.Fatal("expected listDir(\"/\") to normalize to key \"/\"")
	}
}

func TestDirCacheEvictsOldestOverCapacity(t *testing.T) {
	c := newDirCache()
	for i := 0; i < dirCacheCapacity+5; i++ {
		c.put(pathFor(i), []sshtypes.SftpEntry{{Name: "e"}})
	}
	if _, ok := c.get(pathFor(0)); ok {
		t.Fatal("expected oldest entry to have been evicted")
	}
	if _, ok := c.get(pathFor(dirCacheCapacity + 4)); !ok {
		t.Fatal("expected most recently inserted entry to remain")
	}
}

func pathFor(i int) string {
	return "/dir" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestDirCacheInvalidateMutationClearsParentAndPath(t *testing.T) {
	c := newDirCache()
	c.put("/home/alice", []sshtypes.SftpEntry{{Name: "x.txt"}})
	c.put("/home/alice/x.txt", []sshtypes.SftpEntry{})

	c.invalidateMutation("/home/alice/x.txt", true)

	if _, ok := c.get("/home/alice"); ok {
		t.Fatal("expected parent directory cache entry to be invalidated")
	}
	if _, ok := c.get("/home/alice/x.txt"); ok {
		t.Fatal("expected the path's own cache entry to be invalidated")
	}
}

func TestDirCacheTTLExpires(t *testing.T) {
	c := newDirCache()
	c.put("/p", []sshtypes.SftpEntry{{Name: "e"}})

	c.mu.Lock()
	el, ok := c.byKey["/p"]
	if !ok {
		c.mu.Unlock()
		t.Fatal("expected entry under normalized key \"/p\"")
	}
	el.Value.(*dirCacheEntry).createdAt = time.Now().Add(-dirCacheTTL - time.Second)
	c.mu.Unlock()

	if _, ok := c.get("/p"); ok {
		t.Fatal("expected expired entry to be treated as a miss")
	}
}
