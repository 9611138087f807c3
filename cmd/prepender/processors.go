package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/processors/all"
)

type processorInfo struct {
	Type          string                         `json:"type"`
	Description   string                         `json:"description"`
	Tags          []string                       `json:"tags"`
	Properties    []processor.PropertyDescriptor `json:"properties"`
	Relationships []processor.Relationship       `json:"relationships"`
}

func newProcessorsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "processors",
		Short: "List registered processors and their properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := describeProcessors(all.NewRegistry())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			return writeProcessorTable(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func describeProcessors(registry *processor.Registry) ([]processorInfo, error) {
	types := registry.RegisteredTypes()
	infos := make([]processorInfo, 0, len(types))
	for _, t := range types {
		// Descriptions come from an instance built with default properties.
		p, err := registry.Create(t, processor.Config{ID: "describe"})
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", t, err)
		}
		infos = append(infos, processorInfo{
			Type:          p.Type(),
			Description:   p.Description(),
			Tags:          p.Tags(),
			Properties:    p.Properties(),
			Relationships: p.Relationships(),
		})
	}
	return infos, nil
}

func writeProcessorTable(w io.Writer, infos []processorInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s\t%s\n", info.Type, info.Description)
		fmt.Fprintln(tw, "  PROPERTY\tDEFAULT\tREQUIRED\tEXPRESSION\tDESCRIPTION")
		for _, prop := range info.Properties {
			fmt.Fprintf(tw, "  %s\t%s\t%t\t%t\t%s\n",
				prop.Name, prop.DefaultValue, prop.Required, prop.ExpressionLanguage, prop.Description)
		}
		for _, rel := range info.Relationships {
			fmt.Fprintf(tw, "  -> %s\t%s\n", rel.Name, rel.Description)
		}
	}
	return tw.Flush()
}
