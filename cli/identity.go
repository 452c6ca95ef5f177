package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tantodefi/bitchat/config"
	"github.com/tantodefi/bitchat/crypto"
	"github.com/tantodefi/bitchat/identity"
	"github.com/tantodefi/bitchat/storage"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show this node's identity and known peer associations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showIdentity(cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "associate <local-key-hex> <wallet-identity>",
		Short: "Record a peer's wallet-network identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return associateIdentity(args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every stored peer association",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearIdentities(cmd)
		},
	})

	return cmd
}

func openIdentity() (*storage.Store, *identity.Bridge, *config.NodeConfig, error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, nil, err
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, _, err := storage.Open(cfg.DataDirectory)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open secret store: %w", err)
	}

	return store, identity.NewBridge(store, log.Named("identity")), cfg, nil
}

func showIdentity(cmd *cobra.Command) error {
	store, bridge, cfg, err := openIdentity()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	key, err := crypto.EnsureStaticIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return fmt.Errorf("ensure identity key: %w", err)
	}
	pub := key.PublicKey().Bytes()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Peer ID:     ", crypto.ShortPeerID(pub))
	fmt.Fprintln(out, "Fingerprint: ", crypto.FormatFingerprint(crypto.KeyFingerprint(pub)))
	if cfg.WalletIdentity != "" {
		fmt.Fprintln(out, "Wallet:      ", cfg.WalletIdentity)
	}

	keys, err := store.List(identity.Namespace)
	if err != nil {
		return fmt.Errorf("list associations: %w", err)
	}

	var printed bool
	for _, storeKey := range keys {
		localKey, ok := strings.CutPrefix(storeKey, "assoc-fwd-")
		if !ok {
			continue
		}
		remote, found, err := bridge.RemoteIdentity(localKey)
		if err != nil || !found {
			continue
		}
		if !printed {
			fmt.Fprintln(out, "\nAssociations:")
			printed = true
		}
		fmt.Fprintf(out, "  %s -> %s\n", localKey, remote)
	}
	if !printed {
		fmt.Fprintln(out, "\nNo peer associations stored.")
	}
	return nil
}

func associateIdentity(localKey, walletIdentity string) error {
	store, bridge, _, err := openIdentity()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := bridge.AssociateIdentity(localKey, walletIdentity); err != nil {
		return err
	}
	fmt.Printf("Associated %s with %s\n", localKey, walletIdentity)
	return nil
}

func clearIdentities(cmd *cobra.Command) error {
	store, bridge, _, err := openIdentity()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := bridge.ClearAllAssociations(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "All peer associations removed.")
	return nil
}
