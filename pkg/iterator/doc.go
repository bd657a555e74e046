// Package iterator walks paginated GraphQL connections item by item.
//
// A NodeIterator fetches pages lazily through an Executor and yields one
// node at a time. Its position can be frozen into a serializable checkpoint
// and resumed by a later process; a signature derived from the query binds
// every checkpoint to the walk it was taken from, so stale or foreign
// checkpoints are rejected before any network traffic happens.
package iterator
