package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"teorelay/protocol"
	"teorelay/relayclient"
	"teorelay/signer"
)

var cmdAllowance = &cobra.Command{
	Use:   "allowance [address]",
	Short: "Show the spendable TEO of an address",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		s, addr := addressArg(ctx, args)
		defer s.close()

		snap, err := s.relay.Cache().Allowance(ctx, addr)
		check(err)
		fmt.Print(formatAllowance(snap))
	},
}

var cmdTier = &cobra.Command{
	Use:   "tier [address]",
	Short: "Show the staking tier of a teacher",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		s, addr := addressArg(ctx, args)
		defer s.close()

		state, err := s.relay.Cache().Tier(ctx, addr)
		check(err)
		fmt.Print(formatTier(state))
	},
}

var cmdWatch = &cobra.Command{
	Use:   "watch [address]",
	Short: "Poll allowance and tier until interrupted",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		s, addr := addressArg(ctx, args)
		defer s.close()

		cache := s.relay.Cache()
		go cache.Poll(ctx, flagWatch.Interval, addr)

		ticker := time.NewTicker(flagWatch.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if snap, ok := cache.CachedAllowance(addr); ok {
				fmt.Print(formatAllowance(snap))
			}
			if state, ok := cache.CachedTier(addr); ok {
				fmt.Print(formatTier(state))
			}
		}
	},
}

var cmdDiscount = &cobra.Command{
	Use:   "discount",
	Short: "Redeem TEO for a course discount",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		amount, err := protocol.TEO(flagDiscount.Amount)
		checkf(err, "--amount")

		ctx, cancel := commandContext()
		defer cancel()
		s := newSession(ctx, true)
		defer s.close()

		in := signer.Intent{
			Operation:       protocol.DiscountRedemption,
			Signer:          s.account,
			ReferenceID:     flagDiscount.Course,
			DiscountPercent: flagDiscount.Percent,
			Amount:          amount,
		}
		if flagDiscount.Teacher != "" {
			if !common.IsHexAddress(flagDiscount.Teacher) {
				fatalf("invalid teacher address %q", flagDiscount.Teacher)
			}
			teacher := common.HexToAddress(flagDiscount.Teacher)
			in.Counterparty = &teacher
		}
		run(ctx, s, in)
	},
}

var cmdStake = &cobra.Command{
	Use:   "stake <amount>",
	Short: "Stake TEO to reach a lower commission tier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stakeCommand(protocol.TeacherStake, args[0])
	},
}

var cmdUnstake = &cobra.Command{
	Use:   "unstake <amount>",
	Short: "Withdraw staked TEO",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		stakeCommand(protocol.TeacherUnstake, args[0])
	},
}

var cmdApprove = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending student discount",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		s := newSession(ctx, true)
		defer s.close()

		receipt, err := s.relay.ApproveDiscount(ctx, args[0], s.account)
		check(err)
		fmt.Print(formatReceipt(receipt, cfg.ChainID))
	},
}

var cmdDecline = &cobra.Command{
	Use:   "decline <request-id>",
	Short: "Decline a pending student discount and refund the student",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		s := newSession(ctx, true)
		defer s.close()

		receipt, err := s.relay.DeclineDiscount(ctx, args[0], s.account, flagDecline.Reason)
		check(err)
		fmt.Print(formatReceipt(receipt, cfg.ChainID))
	},
}

var cmdHistory = &cobra.Command{
	Use:   "history [address]",
	Short: "List relayed transactions",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		s, addr := addressArg(ctx, args)
		defer s.close()

		transfers, err := s.relay.History(ctx, addr, flagHistory.Limit)
		check(err)
		fmt.Print(formatHistory(transfers))
	},
}

var flagWatch struct {
	Interval time.Duration
}

var flagDiscount struct {
	Teacher string
	Course  string
	Percent uint8
	Amount  string
}

var flagDecline struct {
	Reason string
}

var flagHistory struct {
	Limit int
}

func init() {
	cmdWatch.Flags().DurationVar(&flagWatch.Interval, "interval", 15*time.Second, "Refresh interval")

	cmdDiscount.Flags().StringVar(&flagDiscount.Teacher, "teacher", "", "Teacher address")
	cmdDiscount.Flags().StringVar(&flagDiscount.Course, "course", "", "Course id")
	cmdDiscount.Flags().Uint8Var(&flagDiscount.Percent, "percent", 0, "Discount percent")
	cmdDiscount.Flags().StringVar(&flagDiscount.Amount, "amount", "", "TEO to spend")
	_ = cmdDiscount.MarkFlagRequired("course")
	_ = cmdDiscount.MarkFlagRequired("percent")
	_ = cmdDiscount.MarkFlagRequired("amount")

	cmdDecline.Flags().StringVar(&flagDecline.Reason, "reason", "", "Reason shown to the student")
	cmdHistory.Flags().IntVar(&flagHistory.Limit, "limit", 20, "Number of entries")

	cmdMain.AddCommand(cmdAllowance, cmdTier, cmdWatch, cmdDiscount, cmdStake, cmdUnstake, cmdApprove, cmdDecline, cmdHistory)
}

func stakeCommand(op protocol.OperationType, rawAmount string) {
	amount, err := protocol.TEO(rawAmount)
	checkf(err, "amount")

	ctx, cancel := commandContext()
	defer cancel()
	s := newSession(ctx, true)
	defer s.close()

	run(ctx, s, signer.Intent{Operation: op, Signer: s.account, Amount: amount})
}

// run drives one operation and resubmits the same signed request while the
// relay stays unreachable, up to --resubmit times.
func run(ctx context.Context, s *session, in signer.Intent) {
	out := s.operator.Run(ctx, in)
	for i := 0; i < flagMain.Resubmit && out.State == relayclient.Unreachable; i++ {
		log.Warn().Int("attempt", i+1).Msg("relay unreachable, resubmitting")
		out = s.operator.Resubmit(ctx, out)
	}
	fmt.Print(formatOutcome(out, cfg.ChainID))
	if out.Err != nil {
		os.Exit(1)
	}
}
