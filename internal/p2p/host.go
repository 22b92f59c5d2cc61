package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-relay/internal/log"
	"github.com/Klingon-tech/klingnet-relay/internal/storage"
)

const (
	// peerConnectTimeout bounds one dial of a discovered or remembered peer.
	peerConnectTimeout = 5 * time.Second

	// identityFile holds the hex Ed25519 key under the data directory.
	identityFile = "node.key"
)

// HostConfig configures the libp2p transport.
type HostConfig struct {
	ListenAddr string
	Port       int
	DataDir    string // Identity key location; empty uses an ephemeral key.
	Network    string // Discovery namespace suffix.
	NoDiscover bool
	DHTServer  bool       // Run the DHT in server mode (seeds).
	MaxPeers   int        // Discovery stops dialing above this many connections.
	DB         storage.DB // Address book, nil disables.
	Logger     *zerolog.Logger
}

// StreamHandler receives every block protocol stream, inbound or dialed.
type StreamHandler func(s network.Stream, inbound bool)

// Host carries wire frames over libp2p streams.
type Host struct {
	cfg    HostConfig
	host   host.Host
	dht    *dht.IpfsDHT
	mdns   mdns.Service
	book   *AddrBook
	accept StreamHandler
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHost creates a host. Nothing listens until Start.
func NewHost(cfg HostConfig) *Host {
	logger := klog.P2P
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	h := &Host{cfg: cfg, logger: logger}
	if cfg.DB != nil {
		h.book = NewAddrBook(cfg.DB)
	}
	return h
}

// Start opens the libp2p host, registers the block protocol and, unless
// disabled, starts mDNS and DHT discovery.
func (h *Host) Start(ctx context.Context, accept StreamHandler) error {
	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", h.cfg.ListenAddr, h.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	opts := []libp2p.Option{libp2p.ListenAddrs(listen)}

	// Persistent identity keeps the peer ID stable across restarts.
	if h.cfg.DataDir != "" {
		priv, err := loadOrCreateIdentity(h.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	lh, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	h.host = lh
	h.accept = accept
	h.ctx, h.cancel = context.WithCancel(ctx)

	lh.Network().Notify(&connNotifier{host: h})
	lh.SetStreamHandler(BlockProtocol, func(s network.Stream) {
		h.accept(s, true)
	})

	if !h.cfg.NoDiscover {
		if err := h.startDiscovery(); err != nil {
			h.cancel()
			lh.Close()
			return fmt.Errorf("start discovery: %w", err)
		}
	}

	if h.book != nil {
		h.wg.Add(1)
		go h.redialRemembered()
	}

	h.logger.Info().
		Str("id", lh.ID().String()).
		Strs("addrs", h.Addrs()).
		Msg("libp2p host started")
	return nil
}

// Stop shuts down discovery and the host.
func (h *Host) Stop() error {
	if h.host == nil {
		return nil
	}
	h.cancel()
	if h.mdns != nil {
		h.mdns.Close()
	}
	h.wg.Wait()
	if h.dht != nil {
		h.dht.Close()
	}
	return h.host.Close()
}

// ID returns the local peer ID, empty before Start.
func (h *Host) ID() peer.ID {
	if h.host == nil {
		return ""
	}
	return h.host.ID()
}

// Addrs returns the dialable /p2p/ multiaddrs of this host.
func (h *Host) Addrs() []string {
	if h.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range h.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, h.host.ID()))
	}
	return addrs
}

// Dial connects to a /p2p/ multiaddr and opens a block protocol stream.
func (h *Host) Dial(ctx context.Context, addr string) (network.Stream, error) {
	if h.host == nil {
		return nil, fmt.Errorf("libp2p host not started")
	}
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, fmt.Errorf("parse peer address %q: %w", addr, err)
	}
	return h.open(ctx, *info)
}

func (h *Host) open(ctx context.Context, info peer.AddrInfo) (network.Stream, error) {
	if err := h.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connect %s: %w", shortID(info.ID.String()), err)
	}
	s, err := h.host.NewStream(ctx, info.ID, BlockProtocol)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", shortID(info.ID.String()), err)
	}
	return s, nil
}

// dialFound opens a stream to a discovered or remembered peer and hands it
// to the accept callback. Peers we already have a connection to are skipped.
func (h *Host) dialFound(info peer.AddrInfo) {
	if info.ID == h.host.ID() || len(info.Addrs) == 0 {
		return
	}
	if len(h.host.Network().ConnsToPeer(info.ID)) > 0 {
		return
	}
	if h.cfg.MaxPeers > 0 && len(h.host.Network().Peers()) >= h.cfg.MaxPeers {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, peerConnectTimeout)
	defer cancel()
	s, err := h.open(ctx, info)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Dial discovered peer failed")
		return
	}
	h.accept(s, false)
}

func (h *Host) redialRemembered() {
	defer h.wg.Done()
	peers, err := h.book.Peers(addrMaxAge)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Load address book failed")
		return
	}
	for _, info := range peers {
		select {
		case <-h.ctx.Done():
			return
		default:
		}
		h.dialFound(info)
	}
}

// IsMultiaddr reports whether addr should be dialed through libp2p rather
// than plain TCP.
func IsMultiaddr(addr string) bool {
	return strings.HasPrefix(addr, "/")
}

// StreamIdentity returns the remote libp2p peer ID of a stream transport.
func StreamIdentity(t Transport) (string, bool) {
	s, ok := t.(network.Stream)
	if !ok {
		return "", false
	}
	return s.Conn().RemotePeer().String(), true
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, identityFile)

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
