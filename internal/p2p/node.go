// Package p2p owns the libp2p host, LAN discovery and the gossipsub topics
// everything else rides on. Signaling, chat and presence each get a topic;
// the node hands out TopicChannel handles and keeps the presence loop.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/opsdesk/huddle/internal/identity"
	"github.com/opsdesk/huddle/internal/presence"
	"github.com/opsdesk/huddle/internal/proto"
	"github.com/opsdesk/huddle/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the process's network endpoint.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	signal   *topicHandle
	chat     *topicHandle
	presence *topicHandle

	self   func() identity.Identity
	roster *presence.Table

	// TTL for peer addresses learned from presence announcements.
	presenceTTL time.Duration
}

type topicHandle struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the host, joins the three topics and begins LAN discovery.
// self is a getter so presence announcements pick up hot config reloads.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string, roster *presence.Table, self func() identity.Identity, presenceTTL time.Duration) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	if mdnsTag == "" {
		mdnsTag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:        h,
		ps:          ps,
		self:        self,
		roster:      roster,
		presenceTTL: presenceTTL,
	}

	for _, t := range []struct {
		name   string
		handle **topicHandle
	}{
		{proto.SignalTopic, &n.signal},
		{proto.ChatTopic, &n.chat},
		{proto.PresenceTopic, &n.presence},
	} {
		th, err := joinTopic(ps, t.name)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("join %s: %w", t.name, err)
		}
		*t.handle = th
	}

	return n, nil
}

func joinTopic(ps *pubsub.PubSub, name string) (*topicHandle, error) {
	topic, err := ps.Join(name)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &topicHandle{topic: topic, sub: sub}, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

// ID returns the host's peer ID string. This is transport-level identity
// only; envelopes and the roster address the configured employee ID.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PublishPresence broadcasts one presence message of the given type. The
// message carries the logical identity ID for the roster and the libp2p peer
// ID so receivers can seed their peerstore.
func (n *Node) PublishPresence(ctx context.Context, typ string) {
	id := n.self()
	msg := proto.PresenceMsg{
		Type:   typ,
		ID:     id.ID,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.DisplayName = id.DisplayName
		msg.AvatarRef = id.AvatarRef
		msg.Role = id.Role
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	_ = n.presence.topic.Publish(ctx, b)
}

// RunPresenceLoop consumes presence announcements and keeps the roster
// current. onEvent, if non-nil, is called after the roster is updated.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.presence.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.ID == "" || pm.Type == "" {
				continue
			}
			if pm.ID == n.self().ID || pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.roster.Upsert(pm.ID, pm.DisplayName, pm.AvatarRef, pm.Role)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				n.roster.MarkOffline(pm.ID)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// StartHeartbeat publishes periodic presence updates and prunes stale
// roster entries on the same cadence.
func (n *Node) StartHeartbeat(ctx context.Context, interval, ttl, grace time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.PublishPresence(ctx, proto.TypeUpdate)
				now := time.Now()
				n.roster.PruneStale(now.Add(-ttl), now.Add(-grace))
			}
		}
	}()
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings from a presence announcement and
// adds them to the peerstore so direct dials work across subnets.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var keep []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		keep = append(keep, a)
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(keep) > 0 {
		n.Host.Peerstore().AddAddrs(pid, keep, ttl)
	}
}
