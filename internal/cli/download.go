// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/kuroibara/kuroibara/pkg/manga"
)

func newDownloadCmd(ro *RootOpts) *cobra.Command {
	var (
		kind     string
		clientID string

		sourceID string
		mangaID  string
		chapter  string
		number   string

		resource string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a chapter directly or hand a torrent/nzb to a client",
		Long: `Download a chapter from a source, or hand a resource to an external
download client.

Direct (in-process, per-page fetch through the rate controller):
  kuroibara download --source mangadex --manga MANGA_ID --chapter CHAPTER_ID

Torrent / NZB (requires a configured client):
  kuroibara download --kind torrent --resource "magnet:?xt=urn:btih:..."
  kuroibara download --kind nzb --resource "https://indexer/get/123.nzb"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(ro)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, "", false)
			if err != nil {
				return err
			}
			defer a.close()

			jobKind := manga.JobKind(kind)
			target := manga.DownloadTarget{Resource: resource, Name: name}
			if jobKind == manga.JobDirect {
				target.Chapter = &manga.ChapterRef{
					SourceID:      sourceID,
					NativeID:      chapter,
					MangaNativeID: mangaID,
					Number:        number,
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go a.sched.Run(ctx)

			job, err := a.sched.Submit(ctx, jobKind, target, clientID)
			if err != nil {
				return err
			}

			final, err := waitForJob(ctx, a.sched.Get, job.ID, ro.JSONOut)
			if err != nil {
				return err
			}
			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(final)
			}
			if final.State != manga.JobCompleted {
				return fmt.Errorf("job %s: %s (%s)", final.ID, final.State, final.LastError)
			}
			fmt.Printf("completed: %d files, %d bytes\n", len(final.Files), final.BytesDone)
			for _, f := range final.Files {
				fmt.Println(" ", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "direct", "Job kind: direct, torrent, nzb")
	cmd.Flags().StringVar(&clientID, "client", "", "Pin a specific download client")

	cmd.Flags().StringVar(&sourceID, "source", "", "Source id for direct downloads")
	cmd.Flags().StringVar(&mangaID, "manga", "", "Source-native manga id")
	cmd.Flags().StringVar(&chapter, "chapter", "", "Source-native chapter id")
	cmd.Flags().StringVar(&number, "number", "", "Chapter number label")

	cmd.Flags().StringVar(&resource, "resource", "", "Magnet URI, torrent URL, or NZB URL")
	cmd.Flags().StringVar(&name, "name", "", "Display name for the job")

	return cmd
}

// waitForJob polls until the job reaches a terminal state, rendering a
// progress bar unless JSON output was requested.
func waitForJob(ctx context.Context, get func(string) (*manga.DownloadJob, error), id string, quiet bool) (*manga.DownloadJob, error) {
	var bar *pb.ProgressBar
	if !quiet {
		bar = pb.New64(0)
		bar.Set(pb.Bytes, true)
		bar.Start()
		defer bar.Finish()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		job, err := get(id)
		if err != nil {
			return nil, err
		}
		if bar != nil {
			if job.BytesTotal > 0 && bar.Total() != job.BytesTotal {
				bar.SetTotal(job.BytesTotal)
			} else if job.BytesTotal == 0 && job.BytesDone > bar.Total() {
				// Total unknown: keep the bar moving.
				bar.SetTotal(job.BytesDone)
			}
			bar.SetCurrent(job.BytesDone)
		}
		if job.State.Terminal() {
			return job, nil
		}
	}
}
