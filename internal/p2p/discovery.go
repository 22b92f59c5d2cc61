package p2p

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// dhtDiscoveryInterval is how often DHT FindPeers runs.
const dhtDiscoveryInterval = 30 * time.Second

// discoveryNotifee handles mDNS peer discovery notifications.
type discoveryNotifee struct {
	host *Host
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	d.host.dialFound(pi)
}

func (h *Host) rendezvous() string {
	network := h.cfg.Network
	if network == "" {
		network = "default"
	}
	return Rendezvous(network)
}

func (h *Host) startDiscovery() error {
	mode := dht.ModeClient
	if h.cfg.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(h.ctx, h.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	if err := kad.Bootstrap(h.ctx); err != nil {
		kad.Close()
		return fmt.Errorf("bootstrap kad-dht: %w", err)
	}
	h.dht = kad

	h.mdns = mdns.NewMdnsService(h.host, h.rendezvous(), &discoveryNotifee{host: h})
	if err := h.mdns.Start(); err != nil {
		// mDNS failure is non-fatal.
		h.logger.Warn().Err(err).Msg("mDNS unavailable")
		h.mdns = nil
	}

	h.wg.Add(1)
	go h.runDHTDiscovery()
	return nil
}

func (h *Host) runDHTDiscovery() {
	defer h.wg.Done()

	rd := drouting.NewRoutingDiscovery(h.dht)
	dutil.Advertise(h.ctx, rd, h.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.findDHTPeers(rd)
		}
	}
}

func (h *Host) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(h.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := rd.FindPeers(ctx, h.rendezvous())
	if err != nil {
		h.logger.Debug().Err(err).Msg("DHT FindPeers failed")
		return
	}
	for p := range peerCh {
		h.dialFound(p)
	}
}
