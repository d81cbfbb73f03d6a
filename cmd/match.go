package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var matchPending bool

var matchCmd = &cobra.Command{
	Use:   "match [item-id...]",
	Short: "Match parsed items against the product catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("matching"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		matcher := initMatcher(st)

		if matchPending {
			return matcher.MatchPending(ctx)
		}
		if len(args) == 0 {
			return eris.New("nothing to match: pass item ids or --pending")
		}

		var failed int
		for _, id := range args {
			if err := matcher.MatchItem(ctx, id); err != nil {
				if ctx.Err() != nil {
					return err
				}
				failed++
				zap.L().Error("matching failed", zap.String("item_id", id), zap.Error(err))
			}
		}
		if failed > 0 {
			return eris.Errorf("%d of %d items failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	matchCmd.Flags().BoolVar(&matchPending, "pending", false, "match all items awaiting matching")
	rootCmd.AddCommand(matchCmd)
}
