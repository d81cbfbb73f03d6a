package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/store"
)

var (
	processPending  bool
	processRegister string
)

var processCmd = &cobra.Command{
	Use:   "process [flyer-id...]",
	Short: "Run item and image extraction for flyers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids := args
		if processRegister != "" {
			f, err := st.CreateFlyerImage(ctx, model.FlyerImage{StorageRef: processRegister})
			if err != nil {
				return eris.Wrap(err, "register flyer")
			}
			zap.L().Info("flyer registered",
				zap.String("flyer_id", f.ID),
				zap.String("storage_ref", processRegister),
			)
			ids = append(ids, f.ID)
		}
		if processPending {
			pending, err := st.ListFlyerImages(ctx, store.FlyerFilter{Status: model.ProcessingPending})
			if err != nil {
				return eris.Wrap(err, "list pending flyers")
			}
			for _, f := range pending {
				ids = append(ids, f.ID)
			}
		}
		if len(ids) == 0 {
			return eris.New("nothing to process: pass flyer ids, --register, or --pending")
		}

		extractor := initExtractor(st)
		var failed int
		for _, id := range ids {
			if err := extractor.ProcessFlyer(ctx, id); err != nil {
				if ctx.Err() != nil {
					return err
				}
				failed++
				zap.L().Error("flyer processing failed",
					zap.String("flyer_id", id),
					zap.Error(err),
				)
			}
		}
		if failed > 0 {
			return eris.Errorf("%d of %d flyers failed", failed, len(ids))
		}
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&processPending, "pending", false, "process all pending flyers")
	processCmd.Flags().StringVar(&processRegister, "register", "", "register a new flyer by storage reference and process it")
	rootCmd.AddCommand(processCmd)
}
