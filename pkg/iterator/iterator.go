package iterator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	errs "igclient/pkg/errors"
	"igclient/pkg/instagram"
	"igclient/pkg/logger"
)

const (
	// defaultPageLength is the page size requested from the service.
	defaultPageLength = 50

	// minPageLength is the floor the adaptive page length never drops
	// below when the service rejects large pages.
	minPageLength = 12
)

// ErrEndOfSequence is returned by Next once the sequence is exhausted.
var ErrEndOfSequence = errors.New("end of sequence")

// Executor is the request layer the iterator fetches pages through.
type Executor interface {
	// GraphQL executes a query and returns the raw response body.
	GraphQL(ctx context.Context, queryHash string, variables map[string]interface{}, referer string) (json.RawMessage, error)

	// Username returns the logged-in account name, or "".
	Username() string
}

// QuerySpec describes the paginated connection a NodeIterator walks.
type QuerySpec struct {
	// QueryHash identifies the GraphQL query document.
	QueryHash string

	// Variables are the query variables besides the pagination ones
	// (first, after), typically the owner ID.
	Variables map[string]interface{}

	// ConnectionPath is the key path from the response's "data" object
	// down to the connection, e.g. ["user", "edge_owner_to_timeline_media"].
	ConnectionPath []string

	// Referer is sent with every page request.
	Referer string

	// NodeID extracts the identifier of a node. Nil uses the node's
	// "id" field.
	NodeID func(node json.RawMessage) (string, error)

	// StopWhen, when non-nil, is evaluated against every yielded item.
	// The matching item is still yielded; afterwards the iterator reports
	// end of sequence without fetching further pages.
	StopWhen func(item Item) bool
}

// Item is one yielded node together with its extracted identifier.
type Item struct {
	ID   string          `json:"id"`
	Node json.RawMessage `json:"node"`
}

// NodeIterator walks a paginated connection item by item, fetching pages
// lazily. Its position can be frozen into a checkpoint at any time and a new
// iterator over the same query can resume from it without re-fetching
// already-yielded items.
type NodeIterator struct {
	exec Executor
	spec QuerySpec
	log  logger.Logger

	mu          sync.Mutex
	pageLength  int
	cursor      string
	hasNext     bool
	started     bool
	stopped     bool
	buffer      []Item
	lastYielded string
	skipID      string
	total       int
	count       int64
}

// New creates an iterator over the connection described by spec.
func New(exec Executor, spec QuerySpec, log logger.Logger) *NodeIterator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &NodeIterator{
		exec:       exec,
		spec:       spec,
		log:        log,
		pageLength: defaultPageLength,
		hasNext:    true,
	}
}

// Next returns the next item of the sequence. It fetches a new page only
// when the buffered one is drained. Exhaustion is reported as
// ErrEndOfSequence.
func (it *NodeIterator) Next(ctx context.Context) (Item, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.stopped {
		return Item{}, ErrEndOfSequence
	}

	for len(it.buffer) == 0 {
		if it.started && !it.hasNext {
			return Item{}, ErrEndOfSequence
		}
		if err := it.fetchPage(ctx); err != nil {
			return Item{}, err
		}
	}

	item := it.buffer[0]
	it.buffer = it.buffer[1:]
	it.lastYielded = item.ID
	it.total++

	if it.spec.StopWhen != nil && it.spec.StopWhen(item) {
		it.stopped = true
	}
	return item, nil
}

// Total returns how many items the iterator has yielded.
func (it *NodeIterator) Total() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.total
}

// Count returns the server-reported total size of the connection, known
// after the first page.
func (it *NodeIterator) Count() int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.count
}

// fetchPage fetches the next page into the buffer. When the service rejects
// the page size with a bad request, the page length is halved down to the
// floor before giving up. Callers must hold it.mu.
func (it *NodeIterator) fetchPage(ctx context.Context) error {
	for {
		raw, err := it.exec.GraphQL(ctx, it.spec.QueryHash, it.variables(), it.spec.Referer)
		if err != nil {
			if errs.IsKind(err, errs.KindBadRequest) && it.pageLength > minPageLength {
				it.pageLength /= 2
				if it.pageLength < minPageLength {
					it.pageLength = minPageLength
				}
				it.log.WarnWithFields("page size rejected, halving", map[string]interface{}{
					"page_length": it.pageLength,
				})
				continue
			}
			return err
		}

		conn, err := instagram.ExtractConnection(raw, it.spec.ConnectionPath...)
		if err != nil {
			return err
		}

		it.started = true
		it.count = conn.Count
		it.hasNext = conn.PageInfo.HasNextPage
		it.cursor = conn.PageInfo.EndCursor

		items, err := it.convert(conn.Edges)
		if err != nil {
			return err
		}

		// After a resume the first fetched page may start with the item
		// that was yielded last before freezing.
		if it.skipID != "" {
			if len(items) > 0 && items[0].ID == it.skipID {
				items = items[1:]
			}
			it.skipID = ""
		}

		it.buffer = items
		if len(it.buffer) == 0 && it.hasNext {
			continue
		}
		return nil
	}
}

// variables assembles the query variables for the next page request.
// Callers must hold it.mu.
func (it *NodeIterator) variables() map[string]interface{} {
	vars := make(map[string]interface{}, len(it.spec.Variables)+2)
	for key, value := range it.spec.Variables {
		vars[key] = value
	}
	vars["first"] = it.pageLength
	if it.cursor != "" {
		vars["after"] = it.cursor
	}
	return vars
}

// convert turns connection edges into items with extracted identifiers.
func (it *NodeIterator) convert(edges []instagram.Edge) ([]Item, error) {
	items := make([]Item, 0, len(edges))
	for _, edge := range edges {
		id, err := it.nodeID(edge.Node)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{ID: id, Node: edge.Node})
	}
	return items, nil
}

func (it *NodeIterator) nodeID(node json.RawMessage) (string, error) {
	if it.spec.NodeID != nil {
		return it.spec.NodeID(node)
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(node, &probe); err != nil || probe.ID == "" {
		return "", errs.Newf(errs.KindConnection, "node carries no identifier: %s", truncate(node, 80))
	}
	return probe.ID, nil
}

func truncate(raw []byte, max int) string {
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
