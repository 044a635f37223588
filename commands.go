package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"reelflow/internal/transform"
	"reelflow/internal/upload"
)

func newPublishCmd(e *env) *cobra.Command {
	var owner, description string
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Transform and publish a local video as owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := newApp(ctx, e.cfg, e.logger, nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			res, err := a.service.Ingest(ctx, upload.Request{
				Owner:       owner,
				Filename:    filepath.Base(args[0]),
				Description: description,
				Body:        f,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", res.ID, res.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "author UUID recorded for the video")
	cmd.Flags().StringVar(&description, "description", "", "video description")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newProbeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Show how a video would be transformed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			profile, err := loadProfile(e.cfg)
			if err != nil {
				return err
			}
			prober := &transform.FFProbe{Bin: e.cfg.FFprobeBin}
			media, err := prober.Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProbe(cmd, media, info.Size(), profile.Limits)
			return nil
		},
	}
}

func printProbe(cmd *cobra.Command, media transform.Media, size int64, limits transform.Limits) {
	decision := transform.Decide(media, size, limits)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "size:        %d bytes\n", size)
	fmt.Fprintf(out, "dimensions:  %dx%d (%s)\n", media.Width, media.Height, media.Orientation())
	fmt.Fprintf(out, "duration:    %s\n", media.Duration)
	fmt.Fprintf(out, "frame rate:  %.3f\n", transform.FrameRate(media))
	fmt.Fprintf(out, "audio:       %t\n", media.HasAudio)
	fmt.Fprintf(out, "decision:    %s\n", decision)

	var target int64
	switch decision {
	case transform.Recompress:
		target = limits.RecompressTarget
	case transform.ReframeWithBlur:
		target = limits.ReframeTarget
	default:
		return
	}
	fmt.Fprintf(out, "bitrate:     %d bps\n", transform.TargetBitrate(target, media.Duration))
}

func newCopyCmd(e *env) *cobra.Command {
	var public bool
	cmd := &cobra.Command{
		Use:   "copy <source-key> <dest-key>",
		Short: "Copy an object within the bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newStorageClient(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.CopyFile(cmd.Context(), args[0], args[1], public); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.PublicURL(args[1]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&public, "public", true, "make the copy publicly readable")
	return cmd
}

func newDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an object from the bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newStorageClient(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.DeleteFile(cmd.Context(), args[0])
		},
	}
}
