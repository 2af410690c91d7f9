package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-home/pkg/bridge/prepare"
	"github.com/vango-go/vai-home/pkg/bridge/protocol"
	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
)

func newToolsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the home backend exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := connectBridge(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			tools, err := client.ListTools(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(tools)
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, tool := range tools {
				fmt.Fprintf(w, "%s\t%s\n", tool.Name, firstLine(tool.Description))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors with their parameter schemas as JSON")
	return cmd
}

func newPrepareCmd(a *app) *cobra.Command {
	var (
		profilePath string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build the session context for a profile without going live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profilePath == "" {
				return errors.New("--profile is required")
			}
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			profile, err := prepare.LoadProfile(profilePath)
			if err != nil {
				return err
			}

			client, err := connectBridge(ctx, cfg, logger)
			if err != nil {
				return err
			}
			rest := toolbridge.NewRESTClient(bridgeOptions(cfg, logger))
			preparer, err := prepare.New(prepare.Options{
				Bridge:       client,
				Renderer:     rest,
				Invoker:      rest,
				SnapshotTool: cfg.SnapshotTool,
				DefaultModel: cfg.Model,
				DefaultVoice: cfg.Voice,
				Logger:       logger,
			})
			if err != nil {
				_ = client.Close()
				return err
			}
			sc, err := preparer.Prepare(ctx, profile)
			if err != nil {
				_ = client.Close()
				return err
			}
			// The dispatcher owns the client from here on.
			defer sc.Dispatcher().Close()

			if asJSON {
				wire, err := protocol.Encode(sc.Setup())
				if err != nil {
					return err
				}
				var out bytes.Buffer
				if err := json.Indent(&out, wire, "", "  "); err != nil {
					return err
				}
				out.WriteByte('\n')
				_, err = out.WriteTo(a.stdout)
				return err
			}
			printSessionContext(a, sc)
			return nil
		},
	}
	cmd.Flags().StringVarP(&profilePath, "profile", "p", "", "path to the profile YAML")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the setup message as sent on the wire")
	return cmd
}

func printSessionContext(a *app, sc *prepare.SessionContext) {
	fmt.Fprintf(a.stdout, "session:  %s\n", sc.ID())
	fmt.Fprintf(a.stdout, "profile:  %s\n", sc.Profile())
	fmt.Fprintf(a.stdout, "model:    %s\n", sc.Model())
	if sc.Voice() != "" {
		fmt.Fprintf(a.stdout, "voice:    %s\n", sc.Voice())
	}
	names := make([]string, 0, len(sc.Declarations()))
	for _, decl := range sc.Declarations() {
		names = append(names, decl.Name)
	}
	fmt.Fprintf(a.stdout, "tools:    %s\n", strings.Join(names, ", "))
	for _, w := range sc.Warnings() {
		fmt.Fprintf(a.stdout, "warning:  %s\n", w)
	}
	fmt.Fprintf(a.stdout, "\n%s\n", sc.Instruction())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
