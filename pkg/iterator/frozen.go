package iterator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	errs "igclient/pkg/errors"
)

// Frozen is the serializable position of a NodeIterator: everything needed
// to continue the walk in a later process without re-fetching or re-yielding
// items.
type Frozen struct {
	// Signature binds the checkpoint to the query it was taken from.
	Signature string `json:"signature"`

	Cursor  string `json:"cursor"`
	HasNext bool   `json:"has_next"`
	Started bool   `json:"started"`

	// Remaining holds the items that were fetched but not yet yielded.
	Remaining []Item `json:"remaining,omitempty"`

	// LastYielded is the identifier of the item yielded last, used to
	// drop a duplicated boundary item after resuming.
	LastYielded string `json:"last_yielded,omitempty"`

	Total     int       `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// Signature identifies the query the iterator walks: the query document, the
// connection path, the non-pagination variables and the viewing account. Two
// iterators with equal signatures traverse the same sequence.
func (it *NodeIterator) Signature() string {
	h := sha256.New()
	h.Write([]byte(it.spec.QueryHash))
	h.Write([]byte(strings.Join(it.spec.ConnectionPath, "/")))

	keys := make([]string, 0, len(it.spec.Variables))
	for key := range it.spec.Variables {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(h, "%s=%v;", key, it.spec.Variables[key])
	}

	h.Write([]byte(it.exec.Username()))
	return hex.EncodeToString(h.Sum(nil))
}

// Freeze snapshots the iterator's position. The iterator stays usable; the
// snapshot is an independent copy.
func (it *NodeIterator) Freeze() *Frozen {
	it.mu.Lock()
	defer it.mu.Unlock()

	remaining := make([]Item, len(it.buffer))
	copy(remaining, it.buffer)

	return &Frozen{
		Signature:   it.Signature(),
		Cursor:      it.cursor,
		HasNext:     it.hasNext,
		Started:     it.started,
		Remaining:   remaining,
		LastYielded: it.lastYielded,
		Total:       it.total,
		CreatedAt:   time.Now(),
	}
}

// ResumeFrom restores a frozen position into a fresh iterator. A checkpoint
// taken from a different query is rejected without any network traffic, as
// is resuming an iterator that has already started.
func (it *NodeIterator) ResumeFrom(frozen *Frozen) error {
	if frozen == nil {
		return errs.New(errs.KindInvalidArgument, "nil checkpoint")
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.started || it.total > 0 {
		return errs.New(errs.KindInvalidArgument, "iterator has already started")
	}
	if signature := it.Signature(); frozen.Signature != signature {
		return errs.Newf(errs.KindInvalidArgument,
			"checkpoint signature %.8s does not match query signature %.8s",
			frozen.Signature, signature)
	}

	it.cursor = frozen.Cursor
	it.hasNext = frozen.HasNext
	it.started = frozen.Started
	it.buffer = make([]Item, len(frozen.Remaining))
	copy(it.buffer, frozen.Remaining)
	it.lastYielded = frozen.LastYielded
	it.skipID = frozen.LastYielded
	it.total = frozen.Total

	it.log.InfoWithFields("resuming from checkpoint", map[string]interface{}{
		"yielded":   frozen.Total,
		"buffered":  len(frozen.Remaining),
		"taken_at":  frozen.CreatedAt.Format(time.RFC3339),
		"signature": fmt.Sprintf("%.8s", frozen.Signature),
	})
	return nil
}
