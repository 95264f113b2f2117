package orchestrate

import (
	"sync"
	"time"
)

// mediaGroupWindow is the debounce window: once a batch has been open this
// long, the next arriving file in the group triggers processing of the
// whole accumulated set, rather than waiting indefinitely for more.
const mediaGroupWindow = 2 * time.Second

type mediaGroupBatch struct {
	groupID     string
	fileHandles []string
	startedAt   time.Time
}

// mediaGroupTracker collects an album/batch of files shared under one
// platform media_group_id and releases them as one set (each file still
// becomes its own job once released), mirroring the
// accumulate-then-flush-on-timeout shape the chat platform's batch uploads
// need: a user sends several files in quick succession tagged with the same
// group id, and only the last arrival (past the debounce window) should
// trigger processing of the whole set.
type mediaGroupTracker struct {
	mu      sync.Mutex
	window  time.Duration
	batches map[string]*mediaGroupBatch
}

func newMediaGroupTracker(window time.Duration) *mediaGroupTracker {
	if window <= 0 {
		window = mediaGroupWindow
	}
	return &mediaGroupTracker{window: window, batches: make(map[string]*mediaGroupBatch)}
}

// Add registers fileHandle as a member of groupID for userID. ready is true
// when the caller should process the batch immediately — this is the first
// arrival past the debounce window since the batch opened. files holds the
// complete accumulated set only when ready is true.
func (t *mediaGroupTracker) Add(userID, groupID, fileHandle string, now time.Time) (ready bool, files []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch, ok := t.batches[userID]
	if !ok || batch.groupID != groupID {
		t.batches[userID] = &mediaGroupBatch{
			groupID:     groupID,
			fileHandles: []string{fileHandle},
			startedAt:   now,
		}
		return false, nil
	}

	batch.fileHandles = append(batch.fileHandles, fileHandle)
	if now.Sub(batch.startedAt) > t.window {
		delete(t.batches, userID)
		return true, batch.fileHandles
	}
	return false, nil
}
