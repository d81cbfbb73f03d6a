package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/fetcher"
	"github.com/shelfwise/flyer-pipeline/internal/model"
)

var ingestProcess bool

// imageExtensions are the file types accepted from a supplier drop.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

var ingestCmd = &cobra.Command{
	Use:   "ingest <ftp-directory-url>",
	Short: "Register flyer images from a supplier FTP drop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ftp := fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  time.Duration(cfg.Ingest.TimeoutSecs) * time.Second,
			User:     cfg.Ingest.FTPUser,
			Password: cfg.Ingest.FTPPassword,
		})

		names, err := ftp.List(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "list %s", args[0])
		}

		base := strings.TrimSuffix(args[0], "/")
		var registered []string
		for _, name := range names {
			if !isImageFile(name) {
				zap.L().Debug("ingest: skipping non-image file", zap.String("name", name))
				continue
			}
			f, err := st.CreateFlyerImage(ctx, model.FlyerImage{
				StorageRef: base + "/" + name,
				FileName:   name,
			})
			if err != nil {
				return eris.Wrapf(err, "register %s", name)
			}
			registered = append(registered, f.ID)
			zap.L().Info("ingest: flyer registered",
				zap.String("flyer_id", f.ID),
				zap.String("file", name),
			)
		}
		fmt.Printf("registered %d flyers from %s\n", len(registered), args[0])

		if !ingestProcess {
			return nil
		}
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}
		extractor := initExtractor(st)
		var failed int
		for _, id := range registered {
			if err := extractor.ProcessFlyer(ctx, id); err != nil {
				if ctx.Err() != nil {
					return err
				}
				failed++
				zap.L().Error("ingest: processing failed", zap.String("flyer_id", id), zap.Error(err))
			}
		}
		if failed > 0 {
			return eris.Errorf("%d of %d flyers failed", failed, len(registered))
		}
		return nil
	},
}

func isImageFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestProcess, "process", false, "run extraction immediately after registering")
	rootCmd.AddCommand(ingestCmd)
}
