package core

// transport.go – the UDP datagram adapter. It drains the outgoing queue
// with per-destination retry backoff and feeds received datagrams into
// IngestDatagram. NAT traversal and onion routing belong to an outer layer.

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxDatagramBytes   = 64 * 1024
	outgoingDrainLimit = 32
	outgoingRetryBase  = 5 * time.Second
	outgoingRetryCap   = 10 * time.Minute
	maxOutgoingRetries = 12
)

// Transport binds a UDP socket to one node.
type Transport struct {
	n       *Node
	bind    string
	drainMS int64
	logger  *logrus.Logger

	conn *net.UDPConn

	mu     sync.Mutex
	active bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewTransport wires a transport for the node.
func NewTransport(n *Node, bind string, drainIntervalMS int64, lg *logrus.Logger) *Transport {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Transport{n: n, bind: bind, drainMS: drainIntervalMS, logger: lg, quit: make(chan struct{})}
}

// Start opens the socket and launches the read and drain loops.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", t.bind)
	if err != nil {
		return fmt.Errorf("transport bind: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	t.conn = conn
	t.active = true

	t.wg.Add(2)
	go t.readLoop(ctx)
	go t.drainLoop(ctx)
	t.logger.Infof("transport listening on %s", conn.LocalAddr())
	return nil
}

// Stop closes the socket and waits for the loops.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	close(t.quit)
	t.conn.Close()
	t.mu.Unlock()
	t.wg.Wait()
	t.logger.Info("transport stopped")
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramBytes)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.quit:
				return
			case <-ctx.Done():
				return
			default:
			}
			t.logger.Warnf("transport read: %v", err)
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		if err := t.n.IngestDatagram(b, addr.IP.String(), addr.Port); err != nil {
			t.logger.Warnf("transport ingest: %v", err)
		}
	}
}

func (t *Transport) drainLoop(ctx context.Context) {
	defer t.wg.Done()
	tick := time.NewTicker(time.Duration(t.drainMS) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		case <-tick.C:
			if err := t.DrainOutgoing(); err != nil {
				t.logger.Warnf("transport drain: %v", err)
			}
		}
	}
}

// outgoingRow is one queued wire delivery.
type outgoingRow struct {
	id         int64
	recipient  string
	blob       []byte
	retryCount int
}

// DrainOutgoing sends due outgoing rows. A row is retried with exponential
// backoff until maxOutgoingRetries, then dropped.
func (t *Transport) DrainOutgoing() error {
	now := t.n.nowMS()
	var due []outgoingRow
	rows, err := t.n.store.Query(`SELECT id, recipient, blob, retry_count FROM outgoing
		WHERE sent = 0 AND next_retry <= ? ORDER BY id LIMIT ?`, now, outgoingDrainLimit)
	if err != nil {
		return err
	}
	for rows.Next() {
		var r outgoingRow
		if err := rows.Scan(&r.id, &r.recipient, &r.blob, &r.retryCount); err != nil {
			rows.Close()
			return err
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range due {
		err := t.sendOne(r)
		if err == nil {
			if err := t.n.store.Exec(`UPDATE outgoing SET sent = 1 WHERE id = ?`, r.id); err != nil {
				return err
			}
			continue
		}
		if r.retryCount+1 >= maxOutgoingRetries {
			t.logger.Warnf("outgoing %d to %s: giving up after %d attempts: %v",
				r.id, r.recipient, maxOutgoingRetries, err)
			if err := t.n.store.Exec(`DELETE FROM outgoing WHERE id = ?`, r.id); err != nil {
				return err
			}
			continue
		}
		delay := outgoingRetryBase << uint(r.retryCount)
		if delay > outgoingRetryCap {
			delay = outgoingRetryCap
		}
		if err := t.n.store.Exec(`UPDATE outgoing SET retry_count = ?, next_retry = ? WHERE id = ?`,
			r.retryCount+1, now+delay.Milliseconds(), r.id); err != nil {
			return err
		}
	}
	return nil
}

// sendOne transit-wraps a queued blob for its recipient and writes it to the
// wire. Without a pairwise transit key the blob rides the zero-key bootstrap
// framing as its event-layer bytes: sealed, group-encrypted or
// plaintext-signed.
func (t *Transport) sendOne(r outgoingRow) error {
	ip, port, err := t.lookupAddress(r.recipient)
	if err != nil {
		return err
	}
	frame, err := t.wrapTransit(r.recipient, r.blob)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if dst.IP == nil {
		return fmt.Errorf("bad address %q for %s", ip, r.recipient)
	}
	_, err = t.conn.WriteToUDP(frame, dst)
	return err
}

// lookupAddress resolves the recipient's last announced endpoint. Empty
// recipients mean "every peer with an address"; those rows are expanded at
// enqueue time, so here it is an error.
func (t *Transport) lookupAddress(recipient string) (string, int, error) {
	if recipient == "" {
		return "", 0, fmt.Errorf("outgoing row without recipient")
	}
	var ip string
	var port int
	err := t.n.store.QueryRow(`SELECT ip, port FROM addresses WHERE peer_pubkey = ?`,
		recipient).Scan(&ip, &port)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("no address for %s", recipient)
	}
	return ip, port, err
}

// wrapTransit encrypts the event-layer bytes under the newest pairwise
// transit key, or falls back to the zero-key bootstrap framing.
func (t *Transport) wrapTransit(recipient string, blob []byte) ([]byte, error) {
	var keyIDHex string
	var secret []byte
	err := t.n.store.QueryRow(`SELECT key_id, secret FROM transit_keys
		WHERE peer_pubkey = ? ORDER BY created_at_ms DESC LIMIT 1`, recipient).
		Scan(&keyIDHex, &secret)
	if err == sql.ErrNoRows {
		var zero [transitKeyIDLen]byte
		return EncodeDatagram(zero, blob), nil
	}
	if err != nil {
		return nil, err
	}
	keyID, err := hex.DecodeString(keyIDHex)
	if err != nil || len(keyID) != transitKeyIDLen {
		return nil, fmt.Errorf("bad transit key id %q", keyIDHex)
	}
	ct, err := Encrypt(secret, blob)
	if err != nil {
		return nil, err
	}
	var idArr [transitKeyIDLen]byte
	copy(idArr[:], keyID)
	return EncodeDatagram(idArr, ct), nil
}
