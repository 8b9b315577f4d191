package core

// node.go – process-wide wiring: the store, the logger and the small
// ephemeral transit-secret cache. The registry itself is static.

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxBlobSliceBytes is the protocol parameter bounding a single blob slice
// payload.
const MaxBlobSliceBytes = 512

// transitSecretTTL bounds how long a pending transit secret stays cached.
const transitSecretTTL = 30 * time.Second

// Node owns one embedded database and drives the envelope pipeline over it.
type Node struct {
	store  *Store
	logger *logrus.Logger

	// pending transit secrets keyed by request id; entries expire after
	// transitSecretTTL and the cache is swept at transaction begin.
	transitMu      sync.Mutex
	transitPending map[string]transitSecret

	// coarse drop counters surfaced through the stats query.
	droppedDatagrams atomic.Uint64
	cryptoFailures   atomic.Uint64
	invalidEvents    atomic.Uint64

	// shared read-only connection for Query, opened lazily.
	readerMu sync.Mutex
	readerDB *sql.DB

	now func() time.Time // test hook
}

type transitSecret struct {
	secret  []byte
	peer    string
	addedAt time.Time
}

// NewNode wires a node over an open store.
func NewNode(store *Store, lg *logrus.Logger) *Node {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Node{
		store:          store,
		logger:         lg,
		transitPending: make(map[string]transitSecret),
		now:            time.Now,
	}
}

// Store exposes the underlying store for read-only collaborators.
func (n *Node) Store() *Store { return n.store }

// Close releases the reader connection and the store.
func (n *Node) Close() error {
	n.readerMu.Lock()
	if n.readerDB != nil {
		n.readerDB.Close()
		n.readerDB = nil
	}
	n.readerMu.Unlock()
	return n.store.Close()
}

// nowMS returns the current wall clock in milliseconds.
func (n *Node) nowMS() int64 { return n.now().UnixMilli() }

// cacheTransitSecret remembers a freshly issued transit secret until the
// peer acknowledges it or the TTL passes.
func (n *Node) cacheTransitSecret(requestID string, secret []byte, peer string) {
	n.transitMu.Lock()
	defer n.transitMu.Unlock()
	n.transitPending[requestID] = transitSecret{secret: secret, peer: peer, addedAt: n.now()}
}

// takeTransitSecret removes and returns a pending secret, if still fresh.
func (n *Node) takeTransitSecret(requestID string) ([]byte, string, bool) {
	n.transitMu.Lock()
	defer n.transitMu.Unlock()
	ts, ok := n.transitPending[requestID]
	if !ok {
		return nil, "", false
	}
	delete(n.transitPending, requestID)
	if n.now().Sub(ts.addedAt) > transitSecretTTL {
		return nil, "", false
	}
	return ts.secret, ts.peer, true
}

// sweepTransitSecrets drops expired entries. Called at transaction begin so
// stale secrets never outlive their window.
func (n *Node) sweepTransitSecrets() {
	n.transitMu.Lock()
	defer n.transitMu.Unlock()
	for id, ts := range n.transitPending {
		if n.now().Sub(ts.addedAt) > transitSecretTTL {
			delete(n.transitPending, id)
		}
	}
}
