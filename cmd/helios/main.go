// Command helios runs a Helios chain node and its operator tooling.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"helios-chain/core"
	"helios-chain/pkg/config"
)

var (
	cfgPath string
	cfg     *config.Config
)

func main() {
	root := &cobra.Command{
		Use:   "helios",
		Short: "Helios permissioned chain node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfgPath != "" {
				cfg, err = config.Load(cfgPath)
				if err != nil {
					return err
				}
			} else {
				cfg = config.LoadFromEnv()
			}
			level, err := logrus.ParseLevel(cfg.Logging.Level)
			if err != nil {
				level = logrus.InfoLevel
			}
			logrus.SetLevel(level)
			if cfg.Logging.File != "" {
				f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				logrus.SetOutput(f)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to node YAML config")

	root.AddCommand(runCmd(), keygenCmd(), snapshotCmd(), pruneCmd(), compactCmd(), gasScheduleCmd())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

// buildNode assembles the node from the loaded configuration.
func buildNode() (*core.Node, error) {
	poaCfg, err := core.LoadPoAConfig(cfg.Consensus.ConfigFile)
	if err != nil {
		return nil, err
	}

	var localAddr *core.Address
	if cfg.Consensus.ValidatorAddress != "" {
		addr, err := core.AddressFromHex(cfg.Consensus.ValidatorAddress)
		if err != nil {
			return nil, fmt.Errorf("validator address: %w", err)
		}
		localAddr = &addr
	}

	genesis := cfg.Consensus.GenesisTimestamp
	if genesis == 0 {
		genesis = uint64(time.Now().Unix())
	}
	engine, err := core.NewPoAEngine(poaCfg, localAddr, genesis)
	if err != nil {
		return nil, err
	}

	schedule := core.DefaultGasSchedule()
	if cfg.Execution.GasScheduleFile != "" {
		schedule, err = core.LoadGasSchedule(cfg.Execution.GasScheduleFile)
		if err != nil {
			return nil, err
		}
	}
	executor := core.NewTransactionExecutor(schedule)
	state := core.NewSharedMemoryStateDB()
	db := core.NewMemoryKVDB()

	nodeCfg := core.DefaultNodeConfig()
	nodeCfg.Network.ListenAddr = cfg.Network.ListenAddr
	nodeCfg.Network.BootstrapPeers = cfg.Network.BootstrapPeers
	nodeCfg.Network.DiscoveryTag = cfg.Network.DiscoveryTag
	nodeCfg.Keystore = cfg.Keystore
	nodeCfg.Snapshot.SnapshotDir = cfg.Storage.SnapshotDir
	nodeCfg.Pruning.Enabled = cfg.Storage.PruningEnabled
	nodeCfg.Pruning.RetainBlocksFull = cfg.Storage.RetainBlocksFull
	switch cfg.Storage.PruningMode {
	case "light":
		nodeCfg.Pruning.Mode = core.PruneLight
	case "full":
		nodeCfg.Pruning.Mode = core.PruneFull
	case "custom":
		nodeCfg.Pruning.Mode = core.PruneCustom
	default:
		nodeCfg.Pruning.Mode = core.PruneArchive
	}
	if cfg.Execution.CoinbaseAddress != "" {
		coinbase, err := core.AddressFromHex(cfg.Execution.CoinbaseAddress)
		if err != nil {
			return nil, fmt.Errorf("coinbase address: %w", err)
		}
		nodeCfg.Coinbase = &coinbase
	} else if localAddr != nil {
		nodeCfg.Coinbase = localAddr
	}

	return core.NewNode(nodeCfg, engine, executor, state, db)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the chain node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := buildNode()
			if err != nil {
				return err
			}

			if cfg.Network.MetricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					logrus.Infof("metrics listening on %s", cfg.Network.MetricsAddr)
					if err := http.ListenAndServe(cfg.Network.MetricsAddr, mux); err != nil {
						logrus.Warnf("metrics server: %v", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logrus.Infof("node starting as peer %s", node.PeerID())
			return node.Run(ctx)
		},
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the node identity keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := core.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := identity.Save(out); err != nil {
				return err
			}
			fmt.Printf("peer id: %s\nkeystore: %s\n", identity.PeerID(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "./keystore/node_key", "keystore output path")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, import, export and list chain snapshots",
	}

	var block uint64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a snapshot up to a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshotService(func(commands chan<- core.SnapshotCommand, reply chan core.SnapshotResult) error {
				commands <- core.SnapshotCommand{Kind: core.SnapCreate, BlockNumber: block, Reply: reply}
				result := <-reply
				if result.Err != nil {
					return result.Err
				}
				fmt.Printf("snapshot created at %s\n", result.Snapshot.Path)
				return nil
			})
		},
	}
	create.Flags().Uint64Var(&block, "block", 0, "snapshot up to this block number")

	var path string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a snapshot directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshotService(func(commands chan<- core.SnapshotCommand, reply chan core.SnapshotResult) error {
				commands <- core.SnapshotCommand{Kind: core.SnapImport, Path: path, Reply: reply}
				return (<-reply).Err
			})
		},
	}
	importCmd.Flags().StringVar(&path, "path", "", "snapshot directory to import")

	var exportBlock uint64
	var exportPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export a snapshot to a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshotService(func(commands chan<- core.SnapshotCommand, reply chan core.SnapshotResult) error {
				commands <- core.SnapshotCommand{Kind: core.SnapExport, BlockNumber: exportBlock, Path: exportPath, Reply: reply}
				return (<-reply).Err
			})
		},
	}
	export.Flags().Uint64Var(&exportBlock, "block", 0, "snapshot up to this block number")
	export.Flags().StringVar(&exportPath, "out", "", "export destination directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "List available snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshotService(func(commands chan<- core.SnapshotCommand, reply chan core.SnapshotResult) error {
				commands <- core.SnapshotCommand{Kind: core.SnapList, Reply: reply}
				result := <-reply
				if result.Err != nil {
					return result.Err
				}
				for _, meta := range result.Snapshots {
					fmt.Printf("block %d  hash 0x%s  %d bytes  %s\n",
						meta.BlockNumber, meta.BlockHash, meta.Size, meta.Compression)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(create, importCmd, export, list)
	return cmd
}

// withSnapshotService runs a short-lived snapshot service over a fresh store
// for the operator commands.
func withSnapshotService(fn func(commands chan<- core.SnapshotCommand, reply chan core.SnapshotResult) error) error {
	store := core.NewChainStore(core.NewMemoryKVDB())
	snapCfg := core.DefaultSnapshotConfig()
	snapCfg.SnapshotDir = cfg.Storage.SnapshotDir
	service := core.NewSnapshotService(snapCfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = service.Run(ctx)
	}()

	reply := make(chan core.SnapshotResult, 1)
	err := fn(service.Commands(), reply)
	cancel()
	<-done
	return err
}

func pruneCmd() *cobra.Command {
	var before uint64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune blocks, state and receipts before a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := core.NewChainStore(core.NewMemoryKVDB())
			pruner := core.NewPruner(core.DefaultPruningConfig(), store)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = pruner.Run(ctx)
			}()

			commands := pruner.Commands()
			commands <- core.PruningCommand{Kind: core.CmdPruneBlocks, BeforeBlock: before}
			commands <- core.PruningCommand{Kind: core.CmdPruneState, BeforeBlock: before}
			commands <- core.PruningCommand{Kind: core.CmdPruneReceipts, BeforeBlock: before}

			stats := make(chan core.PruningStats, 1)
			commands <- core.PruningCommand{Kind: core.CmdGetStats, StatsReply: stats}
			s := <-stats
			fmt.Printf("blocks pruned: %d, state entries: %d, receipts: %d\n",
				s.BlocksPruned, s.StateEntriesPruned, s.ReceiptsPruned)

			commands <- core.PruningCommand{Kind: core.CmdShutdown}
			<-done
			return nil
		},
	}
	cmd.Flags().Uint64Var(&before, "before", 0, "prune data before this block number")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the chain database",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := core.NewMemoryKVDB()
			return db.Compact()
		},
	}
}

func gasScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gas-schedule",
		Short: "Show the active gas schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule := core.DefaultGasSchedule()
			if cfg.Execution.GasScheduleFile != "" {
				var err error
				schedule, err = core.LoadGasSchedule(cfg.Execution.GasScheduleFile)
				if err != nil {
					return err
				}
			}
			out, err := schedule.ToTOML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}
