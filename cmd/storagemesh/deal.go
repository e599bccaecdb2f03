package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/rpc"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

func dealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deal",
		Short: "Create and settle storage deals",
	}
	cmd.AddCommand(
		dealCreateCmd(),
		dealProofCmd(),
		dealActionCmd("complete", "Complete a deal once its end time has passed", (*rpc.Client).CompleteDeal, "Completed"),
		dealActionCmd("cancel", "Cancel a deal before it starts", (*rpc.Client).CancelDeal, "Cancelled"),
		dealGetCmd(),
		dealListCmd(),
		dealSweepCmd(),
	)
	return cmd
}

func dealCreateCmd() *cobra.Command {
	var (
		size     string
		duration time.Duration
		payment  string
	)

	cmd := &cobra.Command{
		Use:   "create <provider-id>",
		Short: "Open a deal with a provider, paying up front",
		Long: `Open a deal as the --as renter. The total price is
size * price-per-byte-second * duration-in-seconds; any overpayment is
refunded immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCaller(); err != nil {
				return err
			}
			fileSize, err := utils.ParseDataSize(size)
			if err != nil {
				return fmt.Errorf("invalid size: %w", err)
			}
			amount, err := types.ParseTokenAmount(payment)
			if err != nil {
				return err
			}

			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			id, err := client.CreateDeal(ctx, types.ProviderID(args[0]), fileSize, duration, amount)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]types.DealID{"deal_id": id})
			}
			fmt.Printf("Created deal %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&size, "size", "", "stored size (e.g. 512MiB)")
	cmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "deal duration")
	cmd.Flags().StringVar(&payment, "payment", "", "payment in wei")
	cmd.MarkFlagRequired("size")
	cmd.MarkFlagRequired("payment")
	return cmd
}

func dealProofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proof <deal-id> <proof-hash>",
		Short: "Submit a storage proof as the provider owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCaller(); err != nil {
				return err
			}
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			if err := client.SubmitProof(ctx, types.DealID(args[0]), args[1]); err != nil {
				return err
			}
			fmt.Printf("Submitted proof for deal %s\n", args[0])
			return nil
		},
	}
}

type dealAction func(*rpc.Client, context.Context, types.DealID) error

func dealActionCmd(use, short string, action dealAction, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deal-id>",
		Short: short,
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

			if err := action(client, ctx, types.DealID(args[0])); err != nil {
				return err
			}
			fmt.Printf("%s deal %s\n", verb, args[0])
			return nil
		},
	}
}

func dealGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deal-id>",
		Short: "Show one deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			d, err := client.GetDeal(ctx, types.DealID(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}
			fmt.Println(renderDeals([]types.Deal{d}))
			return nil
		},
	}
}

func dealListCmd() *cobra.Command {
	var provider, renter, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			deals, err := client.ListDeals(ctx, rpc.ListDealsRequest{
				ProviderID: types.ProviderID(provider),
				Renter:     types.Address(renter),
				Status:     status,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(deals)
			}
			if len(deals) == 0 {
				fmt.Println(mutedStyle.Render("No deals found"))
				return nil
			}
			fmt.Println(renderDeals(deals))
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "only deals with this provider")
	cmd.Flags().StringVar(&renter, "renter", "", "only deals paid by this renter")
	cmd.Flags().StringVar(&status, "status", "", "only deals in this status (active, completed, cancelled)")
	return cmd
}

func dealSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Complete every active deal past its end time",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			completed, err := client.SweepExpiredDeals(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(completed)
			}
			fmt.Printf("Completed %d expired deal(s)\n", len(completed))
			for _, id := range completed {
				fmt.Println("  " + string(id))
			}
			return nil
		},
	}
}
