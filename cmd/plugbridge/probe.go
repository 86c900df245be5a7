package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"plugbridge/internal/client"
	"plugbridge/pkg/types"
)

func newProbeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <plugin>",
		Short: "Load a plugin through the bridge and print its metadata and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), cmd.OutOrStdout(), args[0], o.bridgeConfig())
		},
	}
}

func probe(ctx context.Context, w io.Writer, path string, cfg client.Config) error {
	c, err := client.Load(ctx, path, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Shutdown() }()
	params, err := c.QueryParameters(ctx)
	if err != nil {
		return err
	}
	if err := renderMetadata(w, c.Metadata(), c.AudioIO()); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return renderParameters(w, params)
}

func renderMetadata(w io.Writer, m types.PluginMetadata, aio types.AudioIO) error {
	table := tablewriter.NewWriter(w)
	rows := [][]string{
		{"Field", "Value"},
		{"id", m.ID},
		{"name", m.Name},
		{"vendor", m.Vendor},
		{"version", m.Version},
		{"format", m.Format},
		{"receives midi", strconv.FormatBool(m.ReceivesMIDI)},
		{"latency", fmt.Sprintf("%d samples", m.LatencySamples)},
		{"audio io", fmt.Sprintf("%d in / %d out", aio.Inputs, aio.Outputs)},
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderParameters(w io.Writer, params []types.ParameterInfo) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"ID", "Name", "Unit", "Min", "Max", "Default", "Flags"}); err != nil {
		return err
	}
	for _, p := range params {
		row := []string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.Name,
			p.Unit,
			formatValue(p.Min),
			formatValue(p.Max),
			formatValue(p.Default),
			paramFlags(p.Flags),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatValue(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }

func paramFlags(f types.ParameterFlags) string {
	var out []string
	if f.Automatable {
		out = append(out, "automatable")
	}
	if f.ReadOnly {
		out = append(out, "read-only")
	}
	if f.Wrap {
		out = append(out, "wrap")
	}
	if f.IsBypass {
		out = append(out, "bypass")
	}
	if f.Hidden {
		out = append(out, "hidden")
	}
	return strings.Join(out, ",")
}
