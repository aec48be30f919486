// Package app wires the subsystems together and runs the node until the
// context is canceled.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opsdesk/huddle/internal/attach"
	"github.com/opsdesk/huddle/internal/call"
	"github.com/opsdesk/huddle/internal/chat"
	"github.com/opsdesk/huddle/internal/config"
	"github.com/opsdesk/huddle/internal/httpapi"
	"github.com/opsdesk/huddle/internal/identity"
	"github.com/opsdesk/huddle/internal/p2p"
	"github.com/opsdesk/huddle/internal/presence"
	"github.com/opsdesk/huddle/internal/proto"
	"github.com/opsdesk/huddle/internal/signal"
	"github.com/opsdesk/huddle/internal/storage"
	"github.com/opsdesk/huddle/internal/unread"
	"github.com/opsdesk/huddle/internal/util"
)

type Options struct {
	// DataDir holds the key file, database and attachments.
	DataDir string
	// CfgPath is the loaded config file, watched for live edits.
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	log.Printf("huddle node starting (data=%s config=%s)", opt.DataDir, opt.CfgPath)

	// Current config, swapped on live reload. Subsystems that care read
	// through getters instead of holding a stale copy.
	var cfgMu sync.RWMutex
	cur := opt.Cfg
	selfInfo := func() identity.Identity {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return cur.Identity
	}
	selfID := opt.Cfg.Identity.ID

	// ── roster + p2p node ─────────────────────────────────────────────────

	roster := presence.NewTable()
	ttl := time.Duration(opt.Cfg.Presence.TTLSec) * time.Second

	keyPath := util.ResolvePath(opt.DataDir, opt.Cfg.Keys.KeyFile)
	node, err := p2p.New(ctx, opt.Cfg.P2P.ListenPort, keyPath, opt.Cfg.P2P.MdnsTag, roster, selfInfo, ttl)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("peer id: %s (identity %s)", node.ID(), selfID)

	// ── storage ───────────────────────────────────────────────────────────

	db, err := storage.Open(opt.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	attachStore, err := attach.NewStore(opt.DataDir)
	if err != nil {
		return fmt.Errorf("open attachment store: %w", err)
	}

	// ── chat + calls ──────────────────────────────────────────────────────

	stab := unread.New(time.Duration(opt.Cfg.Chat.TrustLockMS) * time.Millisecond)

	sig := signal.NewAdapter(selfID, node.SignalChannel())
	defer sig.Close()

	engine := chat.NewEngine(selfID, node.ChatChannel(), db, stab)
	defer engine.Close()

	media := call.NewDeviceSource(callOptions(opt.Cfg))
	machine := call.NewMachine(selfInfo, sig, media, callOptions(opt.Cfg))
	defer machine.Close()

	// ── HTTP API ──────────────────────────────────────────────────────────

	api := httpapi.New(selfInfo, node.ID(), machine, engine, db, roster, attachStore, opt.Cfg.Chat.EventReplay)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.Start(ctx, opt.Cfg.HTTP.Bind, opt.Cfg.HTTP.Port)
	}()

	// ── presence ──────────────────────────────────────────────────────────

	node.RunPresenceLoop(ctx, nil)
	node.PublishPresence(ctx, proto.TypeOnline)
	node.StartHeartbeat(ctx,
		time.Duration(opt.Cfg.Presence.HeartbeatSec)*time.Second,
		ttl,
		time.Duration(opt.Cfg.Presence.OfflineGraceSec)*time.Second,
	)

	// ── live config reload ────────────────────────────────────────────────
	// Identity edits and the trust-lock window apply without a restart;
	// ports and the key file need one.

	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		cfgMu.Lock()
		if next.Identity.ID != cur.Identity.ID {
			log.Printf("CONFIG: identity.id change requires restart, keeping %q", cur.Identity.ID)
			next.Identity.ID = cur.Identity.ID
		}
		cur = next
		cfgMu.Unlock()

		stab.SetWindow(time.Duration(next.Chat.TrustLockMS) * time.Millisecond)
		node.PublishPresence(ctx, proto.TypeUpdate)
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	// ── run until shutdown ────────────────────────────────────────────────

	select {
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down, sending offline presence")
	offCtx, cancel := context.WithTimeout(context.Background(), util.DefaultPublishTimeout)
	defer cancel()
	node.PublishPresence(offCtx, proto.TypeOffline)
	return nil
}

func callOptions(cfg config.Config) call.Options {
	return call.Options{
		STUNServers:         cfg.Call.STUNServers,
		DisconnectedTimeout: time.Duration(cfg.Call.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.Call.FailedTimeoutSec) * time.Second,
		KeepaliveInterval:   time.Duration(cfg.Call.KeepaliveIntervalSec) * time.Second,
	}
}
