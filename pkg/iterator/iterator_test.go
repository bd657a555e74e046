package iterator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "igclient/pkg/errors"
	"igclient/pkg/logger"
)

// fakeExecutor serves a fixed sequence of nodes in pages of pageSize,
// counting how many page fetches were made.
type fakeExecutor struct {
	ids      []string
	pageSize int
	calls    int

	// maxFirst, when positive, rejects any request for more items per
	// page with a bad request.
	maxFirst int
	firsts   []int
}

func (f *fakeExecutor) Username() string { return "tester" }

func (f *fakeExecutor) GraphQL(ctx context.Context, queryHash string, variables map[string]interface{}, referer string) (json.RawMessage, error) {
	first, _ := variables["first"].(int)
	f.firsts = append(f.firsts, first)
	if f.maxFirst > 0 && first > f.maxFirst {
		return nil, errs.Newf(errs.KindBadRequest, "page size %d rejected", first).WithStatus(400)
	}
	f.calls++

	start := 0
	if after, ok := variables["after"].(string); ok {
		if _, err := fmt.Sscanf(after, "cursor:%d", &start); err != nil {
			return nil, fmt.Errorf("bad cursor %q", after)
		}
	}

	end := start + f.pageSize
	if end > len(f.ids) {
		end = len(f.ids)
	}

	edges := make([]map[string]interface{}, 0, end-start)
	for _, id := range f.ids[start:end] {
		edges = append(edges, map[string]interface{}{
			"node": map[string]interface{}{"id": id},
		})
	}

	body, err := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{
			"user": map[string]interface{}{
				"edge_owner_to_timeline_media": map[string]interface{}{
					"count": len(f.ids),
					"page_info": map[string]interface{}{
						"has_next_page": end < len(f.ids),
						"end_cursor":    fmt.Sprintf("cursor:%d", end),
					},
					"edges": edges,
				},
			},
		},
		"status": "ok",
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func sequence(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i+1)
	}
	return ids
}

func timelineSpec() QuerySpec {
	return QuerySpec{
		QueryHash:      "abc123",
		Variables:      map[string]interface{}{"id": "12345"},
		ConnectionPath: []string{"user", "edge_owner_to_timeline_media"},
	}
}

func drain(t *testing.T, it *NodeIterator) []string {
	t.Helper()
	var got []string
	for {
		item, err := it.Next(context.Background())
		if err == ErrEndOfSequence {
			return got
		}
		require.NoError(t, err)
		got = append(got, item.ID)
	}
}

func TestIteratesAllItems(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())

	got := drain(t, it)

	assert.Equal(t, sequence(12), got)
	assert.Equal(t, 4, exec.calls)
	assert.Equal(t, 12, it.Total())
	assert.Equal(t, int64(12), it.Count())
}

func TestStopWhenBoundsPageFetches(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	spec := timelineSpec()
	spec.StopWhen = func(item Item) bool { return item.ID == "node-7" }
	it := New(exec, spec, logger.Nop())

	got := drain(t, it)

	// node-7 sits on the third page; the matching item is still yielded
	// and the fourth page is never requested.
	assert.Equal(t, sequence(7), got)
	assert.Equal(t, 3, exec.calls)

	_, err := it.Next(context.Background())
	assert.Equal(t, ErrEndOfSequence, err)
	assert.Equal(t, 3, exec.calls)
}

func TestStopWhenFirstItem(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	spec := timelineSpec()
	spec.StopWhen = func(item Item) bool { return true }
	it := New(exec, spec, logger.Nop())

	got := drain(t, it)

	assert.Equal(t, []string{"node-1"}, got)
	assert.Equal(t, 1, exec.calls)
}

func TestFreezeResumeContinuesWithoutLossOrRepeat(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())

	var got []string
	for i := 0; i < 5; i++ {
		item, err := it.Next(context.Background())
		require.NoError(t, err)
		got = append(got, item.ID)
	}

	frozen := it.Freeze()
	assert.Equal(t, 5, frozen.Total)

	// The snapshot survives serialization.
	blob, err := json.Marshal(frozen)
	require.NoError(t, err)
	var thawed Frozen
	require.NoError(t, json.Unmarshal(blob, &thawed))

	resumedExec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	resumed := New(resumedExec, timelineSpec(), logger.Nop())
	require.NoError(t, resumed.ResumeFrom(&thawed))

	got = append(got, drain(t, resumed)...)
	assert.Equal(t, sequence(12), got)
	assert.Equal(t, 12, resumed.Total())
}

func TestFreezeLeavesIteratorUsable(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(6), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())

	_, err := it.Next(context.Background())
	require.NoError(t, err)
	_ = it.Freeze()

	got := drain(t, it)
	assert.Equal(t, sequence(6)[1:], got)
}

func TestResumeSignatureMismatchWithoutNetwork(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())
	frozen := it.Freeze()

	otherSpec := timelineSpec()
	otherSpec.Variables = map[string]interface{}{"id": "99999"}
	otherExec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	other := New(otherExec, otherSpec, logger.Nop())

	err := other.ResumeFrom(frozen)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.GetKind(err))
	assert.Equal(t, 0, otherExec.calls, "signature check must not touch the network")
}

func TestResumeAfterStartRejected(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())
	frozen := it.Freeze()

	_, err := it.Next(context.Background())
	require.NoError(t, err)

	err = it.ResumeFrom(frozen)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.GetKind(err))
}

func TestResumeDropsDuplicatedBoundaryItem(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())
	frozen := it.Freeze()

	// A checkpoint whose cursor re-fetches the page containing the item
	// yielded last: the walk stopped after node-3, but the cursor points
	// at index 2 so the next page starts with node-3 again.
	frozen.Started = true
	frozen.HasNext = true
	frozen.Cursor = "cursor:2"
	frozen.LastYielded = "node-3"
	frozen.Total = 3

	require.NoError(t, it.ResumeFrom(frozen))

	item, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-4", item.ID, "boundary item must be deduplicated")
}

func TestBadRequestHalvesPageLength(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3, maxFirst: 12}
	it := New(exec, timelineSpec(), logger.Nop())

	item, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-1", item.ID)

	// 50 and 25 are rejected before the floor of 12 succeeds.
	assert.Equal(t, []int{50, 25, 12}, exec.firsts)
}

func TestBadRequestAtFloorPropagates(t *testing.T) {
	exec := &fakeExecutor{ids: sequence(12), pageSize: 3, maxFirst: 1}
	it := New(exec, timelineSpec(), logger.Nop())

	_, err := it.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.GetKind(err))
}

func TestCheckpointManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.checkpoint.json")
	mgr := NewCheckpointManagerAt(path)

	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing checkpoint loads as nil")
	assert.False(t, mgr.Exists())

	exec := &fakeExecutor{ids: sequence(12), pageSize: 3}
	it := New(exec, timelineSpec(), logger.Nop())
	frozen := it.Freeze()

	require.NoError(t, mgr.Save(frozen))
	assert.True(t, mgr.Exists())

	loaded, err = mgr.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, frozen.Signature, loaded.Signature)

	require.NoError(t, mgr.Delete())
	assert.False(t, mgr.Exists())
	require.NoError(t, mgr.Delete())
}
