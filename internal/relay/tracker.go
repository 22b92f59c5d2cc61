package relay

import (
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// request is one block asked of a peer and not delivered yet.
type request struct {
	hash     types.Hash
	peer     string // Peer currently asked.
	deadline time.Time
	attempts int
	tried    map[string]struct{}
}

// tracker holds in-flight block requests. At most one request exists per
// hash. The engine mutex guards it.
type tracker struct {
	reqs map[types.Hash]*request
}

func newTracker() *tracker {
	return &tracker{reqs: make(map[types.Hash]*request)}
}

func (t *tracker) has(hash types.Hash) bool {
	_, ok := t.reqs[hash]
	return ok
}

func (t *tracker) add(hash types.Hash, peer string, deadline time.Time) *request {
	r := &request{
		hash:     hash,
		peer:     peer,
		deadline: deadline,
		attempts: 1,
		tried:    map[string]struct{}{peer: {}},
	}
	t.reqs[hash] = r
	return r
}

func (t *tracker) remove(hash types.Hash) bool {
	if _, ok := t.reqs[hash]; !ok {
		return false
	}
	delete(t.reqs, hash)
	return true
}

// expired returns requests past their deadline, oldest deadline first.
func (t *tracker) expired(now time.Time) []*request {
	var out []*request
	for _, r := range t.reqs {
		if !now.Before(r.deadline) {
			out = append(out, r)
		}
	}
	sortRequests(out)
	return out
}

// byPeer returns the requests currently assigned to peer.
func (t *tracker) byPeer(peer string) []*request {
	var out []*request
	for _, r := range t.reqs {
		if r.peer == peer {
			out = append(out, r)
		}
	}
	sortRequests(out)
	return out
}

func (t *tracker) len() int {
	return len(t.reqs)
}

func sortRequests(rs []*request) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].deadline.Equal(rs[j].deadline) {
			return rs[i].deadline.Before(rs[j].deadline)
		}
		return rs[i].hash.String() < rs[j].hash.String()
	})
}
