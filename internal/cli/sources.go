// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd(ro *RootOpts) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
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

			type row struct {
				ID       string   `json:"id"`
				Name     string   `json:"name"`
				Tier     string   `json:"tier"`
				Kind     string   `json:"kind"`
				NSFW     bool     `json:"nsfw"`
				Langs    []string `json:"languages,omitempty"`
				Disabled string   `json:"disabled,omitempty"`
				Probe    string   `json:"probe,omitempty"`
			}

			rows := make([]row, 0, a.reg.Len())
			for _, src := range a.reg.List() {
				desc := src.Descriptor()
				r := row{
					ID:    desc.ID,
					Name:  desc.Name,
					Tier:  string(desc.Tier),
					Kind:  string(desc.Kind),
					NSFW:  desc.SupportsNSFW,
					Langs: desc.Languages,
				}
				if entry, ok := a.reg.Entry(desc.ID); ok && entry.Disabled {
					r.Disabled = entry.Reason
				}
				if probe && r.Disabled == "" {
					if st, err := a.monitor.ProbeNow(cmd.Context(), desc.ID); err != nil {
						r.Probe = "error: " + err.Error()
					} else {
						r.Probe = fmt.Sprintf("%s (%.0fms)", st.Status, st.ResponseTimeMS)
					}
				}
				rows = append(rows, r)
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTIER\tKIND\tNSFW\tSTATE")
			for _, r := range rows {
				state := "enabled"
				if r.Disabled != "" {
					state = "disabled: " + r.Disabled
				} else if r.Probe != "" {
					state = r.Probe
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Name, r.Tier, r.Kind, r.NSFW, state)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Probe each enabled source now")

	return cmd
}
