package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raulk/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/liveness"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage storage providers",
	}
	cmd.AddCommand(
		providerRegisterCmd(),
		providerDeactivateCmd(),
		providerVerifyCmd(),
		providerGetCmd(),
		providerListCmd(),
		providerAnnounceCmd(),
	)
	return cmd
}

func providerRegisterCmd() *cobra.Command {
	var capacity, price, endpoint string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the --as address as a storage provider",
		Long: `Register a provider owned by the --as address. Capacity and price default to
the provider section of the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCaller(); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			capBytes := cfg.Provider.Capacity.Bytes()
			if capacity != "" {
				if capBytes, err = utils.ParseDataSize(capacity); err != nil {
					return fmt.Errorf("invalid capacity: %w", err)
				}
			}
			if price == "" {
				price = cfg.Provider.Price
			}
			amount, err := types.ParseTokenAmount(price)
			if err != nil {
				return err
			}
			if endpoint == "" {
				endpoint = cfg.Provider.Endpoint
			}

			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			id, err := client.RegisterStorageProvider(ctx, capBytes, amount, endpoint)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]types.ProviderID{"provider_id": id})
			}
			fmt.Printf("Registered provider %s (%s at %s wei/byte/s)\n", id, utils.FormatDataSize(capBytes), amount)
			return nil
		},
	}

	cmd.Flags().StringVar(&capacity, "capacity", "", "storage capacity (e.g. 100GiB)")
	cmd.Flags().StringVar(&price, "price", "", "price per byte-second in wei")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "address where the provider serves data")
	return cmd
}

func providerDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <provider-id>",
		Short: "Stop a provider from receiving new placements and deals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCaller(); err != nil {
				return err
			}
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			if err := client.DeactivateProvider(ctx, types.ProviderID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Deactivated provider %s\n", args[0])
			return nil
		},
	}
}

func providerVerifyCmd() *cobra.Command {
	var revoke bool

	cmd := &cobra.Command{
		Use:   "verify <provider-id>",
		Short: "Mark a provider as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			if err := client.SetProviderVerified(ctx, types.ProviderID(args[0]), !revoke); err != nil {
				return err
			}
			if revoke {
				fmt.Printf("Revoked verification for %s\n", args[0])
			} else {
				fmt.Printf("Verified provider %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&revoke, "revoke", false, "clear the verified flag instead")
	return cmd
}

func providerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <provider-id>",
		Short: "Show one provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			p, err := client.GetProvider(ctx, types.ProviderID(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Println(renderProviders([]types.StorageProvider{p}))
			return nil
		},
	}
}

func providerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			providers, err := client.ListProviders(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(providers)
			}
			if len(providers) == 0 {
				fmt.Println(mutedStyle.Render("No providers registered"))
				return nil
			}
			fmt.Println(renderProviders(providers))
			return nil
		},
	}
}

func providerAnnounceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "announce <provider-id>",
		Short: "Broadcast liveness beacons for a provider on the local network",
		Long: `Announce a provider to coordinators on the same LAN until interrupted.
Coordinators started with --liveness mark the provider online while beacons
arrive and offline after liveness.dead_timeout of silence.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			feed := liveness.NewBroadcastFeed(cfg.BroadcastConfig(types.ProviderID(args[0])), clock.New(), logger.Named("liveness"))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return feed.Run(ctx) })
			g.Go(func() error {
				for {
					select {
					case u := <-feed.Updates():
						logger.Debug("Saw provider", zap.String("provider_id", string(u.ProviderID)))
					case <-ctx.Done():
						return nil
					}
				}
			})
			return g.Wait()
		},
	}
}
