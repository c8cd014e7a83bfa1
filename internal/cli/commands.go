package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/server"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// ============================================================================
// Client commands: one gRPC call each, JSON on stdout
// ============================================================================

type clientCall func(ctx context.Context, client *server.Client, args []string) (interface{}, error)

func buildClientCommands(opts *rootOptions) []*cobra.Command {
	var participant string

	list := clientCommand(opts, "list", "List instances", cobra.NoArgs,
		func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
			var addr types.Address
			if participant != "" {
				a, err := types.ParseAddress(participant)
				if err != nil {
					return nil, err
				}
				addr = a
			}
			return c.Instances(ctx, addr)
		})
	list.Flags().StringVar(&participant, "participant", "", "only instances where this address is payer or payee")

	return []*cobra.Command{
		clientCommand(opts, "create <payee> <milestones> <amount-per-milestone>", "Create an unfunded instance", cobra.ExactArgs(3),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				payee, count, amount, err := instanceTerms(args)
				if err != nil {
					return nil, err
				}
				return receiptOut(c.CreateInstance(ctx, payee, count, amount))
			}),
		clientCommand(opts, "create-fund <payee> <milestones> <amount-per-milestone> <supplied>", "Create and fund an instance", cobra.ExactArgs(4),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				payee, count, amount, err := instanceTerms(args)
				if err != nil {
					return nil, err
				}
				supplied, err := parseAmount(args[3])
				if err != nil {
					return nil, err
				}
				return receiptOut(c.CreateAndFund(ctx, payee, count, amount, supplied))
			}),
		clientCommand(opts, "fund <instance-id> <amount>", "Fund an instance", cobra.ExactArgs(2),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				id, err := types.ParseInstanceID(args[0])
				if err != nil {
					return nil, err
				}
				amount, err := parseAmount(args[1])
				if err != nil {
					return nil, err
				}
				return receiptOut(c.Fund(ctx, id, amount))
			}),
		milestoneCommand(opts, "submit", "Submit a milestone (payee)", (*server.Client).SubmitMilestone),
		milestoneCommand(opts, "approve", "Approve and pay a milestone (payer)", (*server.Client).ApproveMilestone),
		milestoneCommand(opts, "claim", "Claim a milestone after the approval timeout (payee)", (*server.Client).ClaimAfterTimeout),
		clientCommand(opts, "cancel <instance-id>", "Cancel an instance and refund the payer", cobra.ExactArgs(1),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				id, err := types.ParseInstanceID(args[0])
				if err != nil {
					return nil, err
				}
				return receiptOut(c.Cancel(ctx, id))
			}),
		clientCommand(opts, "show <instance-id>", "Show one instance", cobra.ExactArgs(1),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				id, err := types.ParseInstanceID(args[0])
				if err != nil {
					return nil, err
				}
				return c.Instance(ctx, id)
			}),
		list,
		clientCommand(opts, "claimable", "List milestones claimable after timeout", cobra.NoArgs,
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				return c.Claimable(ctx)
			}),
		clientCommand(opts, "credit <account> <amount>", "Credit an account on the service ledger", cobra.ExactArgs(2),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				account, err := types.ParseAddress(args[0])
				if err != nil {
					return nil, err
				}
				amount, err := parseAmount(args[1])
				if err != nil {
					return nil, err
				}
				return receiptOut(c.Credit(ctx, account, amount))
			}),
		clientCommand(opts, "balance <account>", "Show an account balance", cobra.ExactArgs(1),
			func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
				account, err := types.ParseAddress(args[0])
				if err != nil {
					return nil, err
				}
				balance, err := c.Balance(ctx, account)
				if err != nil {
					return nil, err
				}
				return map[string]string{"account": account.Hex(), "balance": balance.Dec()}, nil
			}),
	}
}

func clientCommand(opts *rootOptions, use, short string, args cobra.PositionalArgs, call clientCall) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialClient(opts)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			out, err := call(ctx, client, args)
			// 失敗時只輸出帶 instance_id 的 receipt
			_, partial := out.(controller.Receipt)
			if out != nil && (err == nil || partial) {
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
}

func milestoneCommand(opts *rootOptions, name, short string,
	op func(*server.Client, context.Context, types.InstanceID, int) (controller.Receipt, error)) *cobra.Command {
	return clientCommand(opts, name+" <instance-id> <index>", short, cobra.ExactArgs(2),
		func(ctx context.Context, c *server.Client, args []string) (interface{}, error) {
			id, err := types.ParseInstanceID(args[0])
			if err != nil {
				return nil, err
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, fmt.Errorf("invalid milestone index %q", args[1])
			}
			return receiptOut(op(c, ctx, id, index))
		})
}

// receiptOut 寫入失敗時若已建立 instance（CreateAndFund）仍輸出 receipt
func receiptOut(r controller.Receipt, err error) (interface{}, error) {
	if err != nil && r.InstanceID == (types.InstanceID{}) {
		return nil, err
	}
	return r, err
}

func instanceTerms(args []string) (types.Address, int, *uint256.Int, error) {
	payee, err := types.ParseAddress(args[0])
	if err != nil {
		return types.Address{}, 0, nil, err
	}
	count, err := strconv.Atoi(args[1])
	if err != nil {
		return types.Address{}, 0, nil, fmt.Errorf("invalid milestone count %q", args[1])
	}
	amount, err := parseAmount(args[2])
	if err != nil {
		return types.Address{}, 0, nil, err
	}
	return payee, count, amount, nil
}

func dialClient(opts *rootOptions) (*server.Client, error) {
	var caller types.Address
	if opts.as != "" {
		a, err := types.ParseAddress(opts.as)
		if err != nil {
			return nil, fmt.Errorf("--as: %w", err)
		}
		caller = a
	}
	return server.Dial(opts.server, caller)
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}
