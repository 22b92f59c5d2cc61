package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-relay/internal/storage"
)

const (
	addrKeyPrefix = "addr/"
	addrMaxAge    = 24 * time.Hour
	addrBookCap   = 500
)

// addrEntry is a persisted libp2p peer address set.
type addrEntry struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
}

// AddrBook remembers libp2p peers we connected to so a restarted node can
// dial them again.
type AddrBook struct {
	db storage.DB
}

// NewAddrBook creates an address book in db.
func NewAddrBook(db storage.DB) *AddrBook {
	return &AddrBook{db: db}
}

// Remember records info as seen now. New peers beyond the capacity are
// ignored.
func (b *AddrBook) Remember(info peer.AddrInfo) error {
	if len(info.Addrs) == 0 {
		return nil
	}
	key := []byte(addrKeyPrefix + info.ID.String())
	exists, err := b.db.Has(key)
	if err != nil {
		return fmt.Errorf("addr book lookup: %w", err)
	}
	if !exists {
		n, err := b.count()
		if err != nil {
			return err
		}
		if n >= addrBookCap {
			return nil
		}
	}

	e := addrEntry{ID: info.ID.String(), LastSeen: time.Now().Unix()}
	for _, a := range info.Addrs {
		e.Addrs = append(e.Addrs, a.String())
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal addr entry: %w", err)
	}
	return b.db.Put(key, data)
}

// Peers returns every remembered peer seen within maxAge, most recent
// first. Stale and corrupt entries are deleted.
func (b *AddrBook) Peers(maxAge time.Duration) ([]peer.AddrInfo, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var (
		stale   [][]byte
		entries []addrEntry
	)
	err := b.db.ForEach([]byte(addrKeyPrefix), func(key, value []byte) error {
		var e addrEntry
		if err := json.Unmarshal(value, &e); err != nil || e.LastSeen < cutoff {
			stale = append(stale, key)
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate addr book: %w", err)
	}
	for _, k := range stale {
		if err := b.db.Delete(k); err != nil {
			return nil, fmt.Errorf("delete stale addr: %w", err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].LastSeen > entries[j].LastSeen })

	out := make([]peer.AddrInfo, 0, len(entries))
	for _, e := range entries {
		id, err := peer.Decode(e.ID)
		if err != nil {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, s := range e.Addrs {
			if a, err := ma.NewMultiaddr(s); err == nil {
				info.Addrs = append(info.Addrs, a)
			}
		}
		if len(info.Addrs) > 0 {
			out = append(out, info)
		}
	}
	return out, nil
}

func (b *AddrBook) count() (int, error) {
	n := 0
	err := b.db.ForEach([]byte(addrKeyPrefix), func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count addr book: %w", err)
	}
	return n, nil
}
