package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	proto "github.com/uhyunpark/p2pbook/pkg/protocol"
)

const (
	DefaultTopic = "p2pbook-orders"
	protocolRPC  = protocol.ID("/p2pbook/rpc/1.0.0")
	mdnsService  = "p2pbook"

	// used when the caller's context carries no deadline
	defaultStreamTimeout = 5 * time.Second
)

type Libp2pNet struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self book.NodeID

	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	cancel context.CancelFunc

	muH     sync.RWMutex
	handler Handler
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	EnableMDNS bool
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	net := &Libp2pNet{
		h: h, ps: ps, log: cfg.Logger,
		self:   book.NodeID(h.ID().String()),
		cancel: cancel,
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if net.topic, err = ps.Join(cfg.Topic); err != nil {
		net.Close()
		return nil, err
	}
	if net.sub, err = net.topic.Subscribe(); err != nil {
		net.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolRPC, net.handleStream)

	if cfg.EnableMDNS {
		net.mdns = mdns.NewMdnsService(h, mdnsService, &discoveryNotifee{ctx: runCtx, h: h, log: cfg.Logger})
		if err := net.mdns.Start(); err != nil {
			cfg.Logger.Warnw("mdns_start_failed", "err", err)
		}
	}

	go net.handleBroadcasts(runCtx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	for _, a := range h.Addrs() {
		cfg.Logger.Infow("libp2p_addr", "addr", fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// discoveryNotifee connects to peers announced on the local network.
type discoveryNotifee struct {
	ctx context.Context
	h   host.Host
	log *zap.SugaredLogger
}

func (d *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.h.ID() {
		return
	}
	if err := d.h.Connect(d.ctx, info); err != nil {
		d.log.Debugw("mdns_connect_failed", "peer", info.ID.String(), "err", err)
		return
	}
	d.log.Infow("peer_discovered", "peer", info.ID.String())
}

// implement Transport

func (n *Libp2pNet) Self() book.NodeID { return n.self }

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) SetHandler(h Handler) { n.muH.Lock(); n.handler = h; n.muH.Unlock() }

func (n *Libp2pNet) getHandler() Handler {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handler
}

func (n *Libp2pNet) Peers() []book.NodeID {
	var out []book.NodeID
	for _, p := range n.h.Network().Peers() {
		out = append(out, book.NodeID(p.String()))
	}
	return out
}

// Broadcast publishes on the shared topic. GossipSub also delivers the message
// to our own subscription, so receivers must filter on Sender.
func (n *Libp2pNet) Broadcast(ctx context.Context, msg proto.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := n.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("%w: publish: %v", book.ErrNetwork, err)
	}
	return nil
}

func (n *Libp2pNet) Request(ctx context.Context, to book.NodeID, msg proto.Message) (proto.Reply, error) {
	if to == n.self {
		h := n.getHandler()
		if h == nil {
			return proto.Reply{}, fmt.Errorf("%w: no local handler", book.ErrNetwork)
		}
		return h(ctx, msg), nil
	}

	pid, err := peer.Decode(string(to))
	if err != nil {
		return proto.Reply{}, fmt.Errorf("%w: bad peer id %q: %v", book.ErrNetwork, to, err)
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return proto.Reply{}, err
	}

	stream, err := n.h.NewStream(ctx, pid, protocolRPC)
	if err != nil {
		return proto.Reply{}, fmt.Errorf("%w: open stream to %s: %v", book.ErrNetwork, to, err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultStreamTimeout)
	}
	_ = stream.SetDeadline(deadline)

	if _, err := stream.Write(data); err != nil {
		stream.Reset()
		return proto.Reply{}, fmt.Errorf("%w: write to %s: %v", book.ErrNetwork, to, err)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return proto.Reply{}, fmt.Errorf("%w: close write to %s: %v", book.ErrNetwork, to, err)
	}

	raw, err := readFrame(stream)
	if err != nil {
		stream.Reset()
		return proto.Reply{}, fmt.Errorf("%w: read from %s: %v", book.ErrNetwork, to, err)
	}
	reply, err := decodeReply(raw)
	if err != nil {
		return proto.Reply{}, fmt.Errorf("%w: decode reply from %s: %v", book.ErrNetwork, to, err)
	}
	return reply, nil
}

func (n *Libp2pNet) Close() error {
	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		n.topic.Close()
	}
	return n.h.Close()
}

// inbound

func (n *Libp2pNet) handleBroadcasts(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		m, err := decodeMessage(msg.Data)
		if err != nil {
			n.log.Debugw("broadcast_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if h := n.getHandler(); h != nil {
			h(ctx, m)
		}
	}
}

// handleStream serves one request per stream: read until the caller closes its
// write side, dispatch, write the reply.
func (n *Libp2pNet) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(defaultStreamTimeout))

	data, err := readFrame(s)
	if err != nil {
		s.Reset()
		return
	}
	m, err := decodeMessage(data)
	if err != nil {
		n.log.Debugw("request_decode_failed", "from", s.Conn().RemotePeer().String(), "err", err)
		s.Reset()
		return
	}

	h := n.getHandler()
	if h == nil {
		return
	}
	reply := h(context.Background(), m)

	out, err := encodeReply(reply)
	if err != nil {
		s.Reset()
		return
	}
	if _, err := s.Write(out); err != nil {
		n.log.Debugw("reply_write_failed", "to", s.Conn().RemotePeer().String(), "err", err)
		s.Reset()
	}
}

var _ Transport = (*Libp2pNet)(nil)
