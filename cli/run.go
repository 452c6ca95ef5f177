package cli

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tantodefi/bitchat/config"
	"github.com/tantodefi/bitchat/crypto"
	"github.com/tantodefi/bitchat/dedup"
	"github.com/tantodefi/bitchat/discovery"
	"github.com/tantodefi/bitchat/identity"
	"github.com/tantodefi/bitchat/mesh"
	"github.com/tantodefi/bitchat/nostr"
	"github.com/tantodefi/bitchat/router"
	"github.com/tantodefi/bitchat/storage"
	"github.com/tantodefi/bitchat/txqueue"
	"github.com/tantodefi/bitchat/wire"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func runNode() error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("configuration loaded", zap.String("path", cfgPath))

	strategy, err := txqueue.ParseStrategy(cfg.RelayStrategy)
	if err != nil {
		return err
	}

	store, dbPath, err := storage.Open(cfg.DataDirectory)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	defer func() { _ = store.Close() }()
	log.Info("secret store open", zap.String("path", dbPath))

	key, err := crypto.EnsureStaticIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return fmt.Errorf("ensure identity key: %w", err)
	}
	pub := key.PublicKey().Bytes()
	peerID := crypto.ShortPeerID(pub)
	log.Info("local identity ready",
		zap.String("peer_id", peerID),
		zap.String("fingerprint", crypto.FormatFingerprint(crypto.KeyFingerprint(pub))))

	bridge := identity.NewBridge(store, log.Named("identity"))
	if err := bridge.StoreOwnKey(pub); err != nil {
		return fmt.Errorf("store own key: %w", err)
	}

	dedupSet := dedup.NewSet(dedup.DefaultCapacity)

	// The scanner does not exist yet when the link needs a resolver;
	// the closure binds late, and inbound connections may race the
	// store below.
	var scannerRef atomic.Pointer[discovery.PeerScanner]
	resolve := func(id string) (string, error) {
		scanner := scannerRef.Load()
		if scanner == nil {
			return "", fmt.Errorf("discovery not started")
		}
		return scanner.Resolve(id)
	}

	link, err := mesh.ListenTCP(log.Named("mesh"), peerID, cfg.ListenAddress, resolve)
	if err != nil {
		return fmt.Errorf("start mesh link: %w", err)
	}
	defer func() { _ = link.Close() }()

	port := link.Addr().(*net.TCPAddr).Port
	log.Info("mesh link listening", zap.Int("port", port))

	var queue *txqueue.Queue
	var route *router.Router

	handleEnvelope := func(fromPeer string, fields map[string]any) {
		logEnvelope(log, fromPeer, fields)
		if msgType, _ := fields["type"].(string); msgType == wire.TypePrivateMessage {
			if messageID, _ := fields["messageID"].(string); messageID != "" && route != nil {
				route.SendDeliveryAck(fromPeer, messageID)
			}
		}
	}

	meshTransport := mesh.New(log.Named("mesh"), mesh.Options{
		LocalPeerID: peerID,
		Link:        link,
		Dedup:       dedupSet,
		OnEnvelope:  handleEnvelope,
		OnFavorite: func(fromPeer string, favorited bool) {
			log.Info("favorite notification",
				zap.String("peer", fromPeer),
				zap.Bool("favorited", favorited))
		},
		OnTransactionRelay: func(fromPeer string, payload []byte) {
			if queue == nil {
				return
			}
			if err := queue.HandleRelayedTransaction(ctx, fromPeer, payload); err != nil {
				log.Warn("relayed transaction rejected",
					zap.String("peer", fromPeer),
					zap.Error(err))
			}
		},
	})

	relayClient := nostr.NewRelayClient(log.Named("nostr"), cfg.RelayURL, cfg.WalletIdentity)
	networkTransport := nostr.New(log.Named("nostr"), nostr.Options{
		Client:     relayClient,
		Bridge:     bridge,
		Dedup:      dedupSet,
		OnEnvelope: handleEnvelope,
		OnFavorite: func(fromPeer string, favorited bool) {
			log.Info("favorite notification",
				zap.String("peer", fromPeer),
				zap.Bool("favorited", favorited))
		},
	})

	route = router.New(log.Named("router"), router.Options{}, meshTransport, networkTransport)

	queue, err = txqueue.New(log.Named("txqueue"), txqueue.Options{
		Store:     store,
		Submitter: nostr.NewTransactionSubmitter(relayClient),
		Relay:     meshTransport,
		Dedup:     dedupSet,
		Strategy:  strategy,
	})
	if err != nil {
		return fmt.Errorf("open transaction queue: %w", err)
	}

	if err := meshTransport.Start(ctx); err != nil {
		return fmt.Errorf("start mesh transport: %w", err)
	}
	defer meshTransport.Stop()

	// A down relay is a degraded mode, not a startup failure.
	if err := networkTransport.Start(ctx); err != nil {
		log.Warn("wallet-network relay unavailable", zap.Error(err))
	}
	defer networkTransport.Stop()

	svc, err := discovery.Start(discovery.Config{
		SelfPeerID:     peerID,
		DeviceName:     cfg.DeviceName,
		ListeningPort:  port,
		KeyFingerprint: crypto.KeyFingerprint(pub),
	})
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer svc.Stop()
	scannerRef.Store(svc.Scanner)

	route.Start()
	defer route.Stop()

	queue.Start(ctx)
	defer queue.Stop()

	go drainDiscoveryEvents(ctx, log, svc.Scanner, link, route, queue)

	log.Info("node running", zap.String("peer_id", peerID))
	<-ctx.Done()
	log.Info("shutting down")

	if conversations, err := relayClient.ListConversations(context.Background()); err == nil && len(conversations) > 0 {
		log.Info("session conversations", zap.Strings("identities", conversations))
	}
	return nil
}

// drainDiscoveryEvents connects to newly discovered peers and replays
// any queued work for them.
func drainDiscoveryEvents(ctx context.Context, log *zap.Logger, scanner *discovery.PeerScanner, link *mesh.TCPLink, route *router.Router, queue *txqueue.Queue) {
	for {
		select {
		case event, ok := <-scanner.Events():
			if !ok {
				return
			}
			if event.Type != discovery.EventPeerUpserted {
				continue
			}
			addr, err := scanner.Resolve(event.Peer.PeerID)
			if err != nil {
				continue
			}
			if !link.IsConnected(event.Peer.PeerID) {
				if err := link.Connect(event.Peer.PeerID, addr); err != nil {
					log.Debug("connect to discovered peer failed",
						zap.String("peer", event.Peer.PeerID),
						zap.Error(err))
					continue
				}
			}
			route.FlushOutbox(event.Peer.PeerID)
			queue.Process(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func logEnvelope(log *zap.Logger, fromPeer string, fields map[string]any) {
	msgType, _ := fields["type"].(string)
	switch msgType {
	case wire.TypePrivateMessage:
		content, _ := fields["content"].(string)
		log.Info("message received",
			zap.String("peer", fromPeer),
			zap.String("content", content))
	case wire.TypeAcknowledgement:
		ackType, _ := fields["ackType"].(string)
		messageID, _ := fields["messageID"].(string)
		log.Info("acknowledgement received",
			zap.String("peer", fromPeer),
			zap.String("ack_type", ackType),
			zap.String("message_id", messageID))
	case wire.TypeFile:
		if record, ok := wire.FileRecordFromFields(fields); ok {
			log.Info("file received",
				zap.String("peer", fromPeer),
				zap.String("file_name", record.FileName),
				zap.Int("size", len(record.Content)))
		}
	default:
		log.Debug("unhandled envelope",
			zap.String("peer", fromPeer),
			zap.String("type", msgType))
	}
}
