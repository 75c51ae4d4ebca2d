package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/gnss-bridge/internal/logging"
	"github.com/kstaniek/gnss-bridge/internal/metrics"
	"github.com/kstaniek/gnss-bridge/internal/transport"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

const defaultOutBuf = 64

// Peer is one broadcast target. Chunks queued on Out are shared between
// peers and must not be modified.
type Peer struct {
	Out       chan []byte
	Closed    chan struct{}
	Addr      string
	Kind      string // "TCP" or "UDP"
	closeOnce sync.Once
}

// NewPeer allocates a peer with an outbound queue of buf chunks.
func NewPeer(addr, kind string, buf int) *Peer {
	if buf <= 0 {
		buf = defaultOutBuf
	}
	return &Peer{Out: make(chan []byte, buf), Closed: make(chan struct{}), Addr: addr, Kind: kind}
}

// Close signals the peer is closed (idempotent).
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.Closed)
	})
}

// IsClosed reports whether Close was called.
func (p *Peer) IsClosed() bool {
	select {
	case <-p.Closed:
		return true
	default:
		return false
	}
}

type Hub struct {
	name       string
	mu         sync.RWMutex
	peers      map[*Peer]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
	logger     *slog.Logger
}

// New creates a Hub labelled name in logs and metrics.
func New(name string) *Hub {
	return &Hub{name: name, peers: make(map[*Peer]struct{}), OutBufSize: defaultOutBuf, logger: logging.L().With("hub", name)}
}

// NewPeer allocates a peer sized by the hub's buffer setting.
func (h *Hub) NewPeer(addr, kind string) *Peer { return NewPeer(addr, kind, h.OutBufSize) }

// Add registers a peer with the hub.
func (h *Hub) Add(p *Peer) {
	h.mu.Lock()
	prev := len(h.peers)
	h.peers[p] = struct{}{}
	cur := len(h.peers)
	h.mu.Unlock()
	metrics.SetHubPeers(h.name, cur)
	if prev == 0 && cur == 1 {
		h.logger.Info("peers_first_connected")
	}
}

// Remove unregisters and closes a peer. It reports whether the peer was
// present so callers can run exactly-once cleanup.
func (h *Hub) Remove(p *Peer) bool {
	h.mu.Lock()
	_, existed := h.peers[p]
	if existed {
		delete(h.peers, p)
	}
	cur := len(h.peers)
	h.mu.Unlock()
	p.Close()
	metrics.SetHubPeers(h.name, cur)
	if existed && cur == 0 {
		h.logger.Info("peers_last_disconnected")
	}
	return existed
}

// Broadcast queues p for every peer honoring the backpressure policy. p is
// copied once and the copy is shared by all peers.
func (h *Hub) Broadcast(p []byte) {
	peers := h.Snapshot()
	metrics.SetBroadcastFanout(h.name, len(peers))
	if len(peers) == 0 || len(p) == 0 {
		return
	}
	chunk := append([]byte(nil), p...)
	max := 0
	for _, pe := range peers {
		if l := len(pe.Out); l > max {
			max = l
		}
	}
	metrics.SetQueueDepthMax(h.name, max)
	for _, pe := range peers {
		if pe.IsClosed() {
			continue
		}
		select {
		case pe.Out <- chunk:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				pe.Close() // writer exits; owner removes the peer
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Find returns the first peer matching fn.
func (h *Hub) Find(fn func(*Peer) bool) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		if fn(p) {
			return p
		}
	}
	return nil
}

// Snapshot returns a slice copy of current peers (read-only use).
func (h *Hub) Snapshot() []*Peer {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	return peers
}

// Count returns the number of active peers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.peers); h.mu.RUnlock(); return n }

// RemoveAll drops every peer.
func (h *Hub) RemoveAll() {
	for _, p := range h.Snapshot() {
		h.Remove(p)
	}
}

// RunWriter drains p.Out into send, one send per chunk, until the peer is
// closed, ctx ends or a send fails (the error is returned).
func RunWriter(ctx context.Context, p *Peer, send transport.SendFunc, after func(n int)) error {
	for {
		select {
		case chunk := <-p.Out:
			if err := send(chunk); err != nil {
				return err
			}
			if after != nil {
				after(len(chunk))
			}
		case <-p.Closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
