package pinning

import (
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ContentID returns the CIDv1 (raw, sha2-256) of payload.
func ContentID(payload []byte) (string, error) {
	c, err := rawPrefix.Sum(payload)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Local is the process-local ephemeral store used in degraded mode. Content
// is lost on restart.
type Local struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewLocal() *Local {
	return &Local{data: make(map[string][]byte)}
}

func (l *Local) Put(payload []byte) (string, error) {
	id, err := ContentID(payload)
	if err != nil {
		return "", err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.mu.Lock()
	l.data[id] = buf
	l.mu.Unlock()
	return id, nil
}

// Remember stores payload under an id issued elsewhere, so reads can fall
// back to it when gateways are down.
func (l *Local) Remember(id string, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.mu.Lock()
	l.data[id] = buf
	l.mu.Unlock()
}

func (l *Local) Get(id string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.data[id]
	return b, ok
}

func (l *Local) Delete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.data[id]
	delete(l.data, id)
	return ok
}

func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data)
}
