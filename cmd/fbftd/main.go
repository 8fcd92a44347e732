// Command fbftd runs one itcoin-fbft replica: it loads the cluster and
// chain-node configuration from a datadir, wires the FBFT engine to the
// threshold wallet, the ROAST driver, the chain node's RPC surface and
// the replica pub/sub bus, and drives the cycle loop until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/itcoin-fbft/fbft/internal/blockchain"
	"github.com/itcoin-fbft/fbft/internal/config"
	"github.com/itcoin-fbft/fbft/internal/curve"
	"github.com/itcoin-fbft/fbft/internal/fbft"
	"github.com/itcoin-fbft/fbft/internal/frost"
	"github.com/itcoin-fbft/fbft/internal/netbus"
	"github.com/itcoin-fbft/fbft/internal/replica"
	"github.com/itcoin-fbft/fbft/internal/roast"
	"github.com/itcoin-fbft/fbft/internal/store"
	"github.com/itcoin-fbft/fbft/internal/wallet"
)

func main() {
	var (
		datadir string
		reset   bool
	)

	root := &cobra.Command{
		Use:           "fbftd",
		Short:         "itcoin-fbft block-producing replica",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(datadir, reset)
		},
	}
	root.Flags().StringVar(&datadir, "datadir", ".", "directory holding miner.conf.json, bitcoin.conf and the fact log")
	root.Flags().BoolVar(&reset, "reset", false, "discard the persisted fact log before starting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(datadir string, reset bool) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	miner, err := config.LoadMiner(datadir)
	if err != nil {
		return err
	}
	node, err := config.LoadNode(datadir)
	if err != nil {
		return err
	}
	log = log.With().Uint32("id", miner.ID).Logger()

	rpcCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("127.0.0.1:%d", node.RPCPort),
		User:         node.RPCUser,
		Pass:         node.RPCPassword,
		CookiePath:   node.CookiePath,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(rpcCfg, nil)
	if err != nil {
		return fmt.Errorf("connecting to chain node: %w", err)
	}
	defer client.Shutdown()

	chain := blockchain.New(client, node.SignetChallenge, log)

	ownKey, err := chain.DumpPrivKey(miner.Self().P2PKH)
	if err != nil {
		return fmt.Errorf("loading own signing key: %w", err)
	}
	pubKeys, err := miner.PubKeys()
	if err != nil {
		return err
	}
	keyring, err := wallet.NewKeyring(miner.ID, ownKey, pubKeys)
	if err != nil {
		return err
	}

	groupPoint := &curve.Point{X: node.GroupPublicKey.X(), Y: node.GroupPublicKey.Y()}
	w := wallet.NewRoastWallet(keyring, groupPoint)

	pubKeyShares := make(map[frost.SignerIndex]*curve.Point, miner.N())
	for id, pub := range pubKeys {
		pubKeyShares[frost.SignerIndex(id+1)] = &curve.Point{X: pub.X(), Y: pub.Y()}
	}
	secret := ownKey.Key.Bytes()
	signer := frost.NewSigner(
		frost.SignerIndex(miner.ID+1),
		curve.ScalarFromBytes32(secret),
		pubKeyShares[frost.SignerIndex(miner.ID+1)],
		groupPoint,
	)

	cfg := fbft.Config{
		ReplicaID:        miner.ID,
		ClusterSize:      miner.N(),
		GenesisTimestamp: miner.GenesisBlockTimestamp,
		TargetBlockTime:  miner.TargetBlockTime,
	}
	driver := roast.NewDriver(miner.ID, int(cfg.Quorum()), signer, pubKeyShares, log)

	facts, err := store.Open(datadir, reset, nil, log)
	if err != nil {
		return err
	}
	defer facts.Close()

	bus, err := netbus.NewZMQBus(miner, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	blocks, err := netbus.NewZMQBlockSource(node.ZMQBlockEndpoint, log)
	if err != nil {
		return err
	}
	defer blocks.Close()

	r := replica.New(fbft.NewState(cfg), w, driver, chain, bus, blocks, facts, time.Now().UnixNano(), log)
	if err := r.Resume(); err != nil {
		return fmt.Errorf("resuming from fact log: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Uint32("cluster_size", miner.N()).Msg("replica starting")
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("replica stopped")
	return nil
}
