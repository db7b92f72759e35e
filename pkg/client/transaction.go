package client

import (
	"sync"
	"time"

	"github.com/commatea/ModX-Core/pkg/pdu"
)

// pendingRequest tracks one in-flight transaction until completion,
// timeout or cancellation.
type pendingRequest struct {
	request     *pdu.PDU
	deadline    time.Time
	retriesLeft int

	done     chan struct{}
	response *pdu.PDU
	err      error
	once     sync.Once
}

func (p *pendingRequest) resolve(resp *pdu.PDU, err error) {
	p.once.Do(func() {
		p.response = resp
		p.err = err
		close(p.done)
	})
}

// transactionTable maps transaction ids to pending requests.
// Ids are allocated sequentially modulo 2^16, skipping ids still in
// use. On RTU the slave id stands in for the transaction id, so the
// allocator is bypassed there.
type transactionTable struct {
	mu      sync.Mutex
	next    uint16
	pending map[uint16]*pendingRequest
}

func newTransactionTable() *transactionTable {
	return &transactionTable{pending: make(map[uint16]*pendingRequest)}
}

// allocate registers a pending request under a fresh transaction id.
func (t *transactionTable) allocate(p *pendingRequest) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.next++
		if _, inUse := t.pending[t.next]; !inUse {
			break
		}
	}
	t.pending[t.next] = p
	return t.next
}

// register registers a pending request under a fixed id (RTU: the
// slave id). Replaces any stale entry.
func (t *transactionTable) register(tid uint16, p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[tid] = p
}

// complete delivers a response to the matching pending request.
// Returns false when no transaction is waiting for this id, in which
// case the response is the caller's to discard.
func (t *transactionTable) complete(tid uint16, resp *pdu.PDU) bool {
	t.mu.Lock()
	p, ok := t.pending[tid]
	if ok {
		delete(t.pending, tid)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.resolve(resp, nil)
	return true
}

// release removes a pending request without resolving it. A response
// arriving after release is silently discarded by complete.
func (t *transactionTable) release(tid uint16) {
	t.mu.Lock()
	delete(t.pending, tid)
	t.mu.Unlock()
}

// failAll resolves every pending request with err. Used when the
// connection drops out from under the dispatcher.
func (t *transactionTable) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint16]*pendingRequest)
	t.mu.Unlock()
	for _, p := range pending {
		p.resolve(nil, err)
	}
}

func (t *transactionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
