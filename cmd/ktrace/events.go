// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package main

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/cilium/ktrace/pkg/tracepoint"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events [pattern]",
		Short: "List the available tracepoints as subsystem:event, filtered by a regular expression",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			events, err := k.Tracepoints().AvailableEvents(pattern)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Fprintln(cmd.OutOrStdout(), ev)
			}
			return nil
		},
	}
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format <subsystem>/<event>",
		Short: "Print the format file of a tracepoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			name := path.Join("events", args[0], "format")
			content, err := k.TraceFS().ReadFile(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("%s: %w", path.Join(tracepoint.TracingRoot, name), err)
			}
			fmt.Fprint(cmd.OutOrStdout(), content)
			return nil
		},
	}
}
