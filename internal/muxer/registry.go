package muxer

import "sync"

// peer is the common shape of a local connio.Socket and a
// frontend.Frontend: spec.md 6 gives the frontend contract the same
// send/recv/close/reset shape as the Connection wrapper on purpose, so
// one registry and one pump loop serve both the client's local sockets
// and the server's frontends.
type peer interface {
	Send([]byte) error
	Recv() ([]byte, error)
	Close() error
	Reset() error
}

// registry replaces the Python original's identity-keyed
// frontend<->tunnel dictionaries (spec.md 9): every substream already
// has a stable integer handle, its connection ID, so this is a plain
// map keyed on that handle rather than on object identity.
type registry struct {
	mu    sync.Mutex
	peers map[uint16]peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[uint16]peer)}
}

func (r *registry) put(id uint16, p peer) {
	r.mu.Lock()
	r.peers[id] = p
	r.mu.Unlock()
}

func (r *registry) get(id uint16) (peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	r.mu.Unlock()
	return p, ok
}

func (r *registry) remove(id uint16) (peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	return p, ok
}

// ids returns a snapshot of every currently registered connection ID, used
// by Client/Server shutdown to drain open substreams before tearing down
// the backend (spec.md 4.4 "Shutdown").
func (r *registry) ids() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint16, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		_ = p.Close()
		delete(r.peers, id)
	}
}
