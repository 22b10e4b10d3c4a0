// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kuroibara/kuroibara/internal/search"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

func newSearchCmd(ro *RootOpts) *cobra.Command {
	var (
		page  int
		limit int
		nsfw  bool
		tiers []string
		langs []string
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search all configured sources and print the fused results",
		Args:  cobra.MinimumNArgs(1),
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

			req := search.Request{
				Query: strings.Join(args, " "),
				Page:  page,
				Limit: limit,
				Filter: search.Filter{
					AllowNSFW: nsfw,
					Languages: langs,
				},
			}
			for _, t := range tiers {
				req.Filter.Tiers = append(req.Filter.Tiers, provider.Tier(t))
			}

			result, err := a.engine.Search(cmd.Context(), req)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			fmt.Printf("%d results (page %d, %d total, %dms)\n\n",
				len(result.Results), result.Page, result.Total, result.ResponseTimeMS)
			for i, entry := range result.Results {
				year := ""
				if entry.Year > 0 {
					year = fmt.Sprintf(" (%d)", entry.Year)
				}
				fmt.Printf("%2d. %s%s  [%s/%s]\n", i+1, entry.Title, year, entry.Type, entry.Status)
				for _, origin := range entry.Origins {
					fmt.Printf("      %s: %s (confidence %.2f)\n", origin.SourceID, origin.NativeID, origin.Confidence)
				}
			}
			fmt.Println()
			for _, st := range result.Sources {
				if st.ErrKind != "" {
					fmt.Printf("  %-16s %s: %s\n", st.SourceID, st.ErrKind, st.ErrMessage)
				} else {
					fmt.Printf("  %-16s %d results in %dms\n", st.SourceID, st.Count, st.LatencyMS)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Result page")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Results per page")
	cmd.Flags().BoolVar(&nsfw, "nsfw", false, "Include NSFW entries")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "Restrict to tiers (primary, secondary, tertiary)")
	cmd.Flags().StringSliceVar(&langs, "lang", nil, "Restrict to sources serving these languages")

	return cmd
}
