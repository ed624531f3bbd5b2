package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	kitpg "github.com/clerkhq/clerk/features/kit/postgres"
	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/kitfs"
)

func newShowCmd(g *globalFlags) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a persisted run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, nil)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			p := newPrinter(cmd.OutOrStdout(), g.json)
			if events {
				if a.events == nil {
					return errors.New("event history requires the mongo store")
				}
				evs, err := a.events.History(ctx, args[0])
				if err != nil {
					return err
				}
				if len(evs) == 0 {
					return fmt.Errorf("no events logged for run %s", args[0])
				}
				for _, ev := range evs {
					p.event(ev)
				}
				return nil
			}
			rec, err := a.store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			p.record(rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "replay the logged progress events instead of the record")
	return cmd
}

func newKitsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kits",
		Short: "List available kits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, nil)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			if a.kitsPG != nil {
				kits, err := a.kitsPG.List(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "SLUG\tVERSION\tNAME")
				for _, k := range kits {
					fmt.Fprintf(w, "%s\t%d\t%s\n", k.Ref.Slug, k.Ref.VersionNumber, k.Name)
				}
				return nil
			}
			slugs, err := a.kitsFS.List()
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "SLUG\tSTEPS\tRESOURCES")
			for _, slug := range slugs {
				def, err := a.kitsFS.LoadKit(ctx, kit.VersionRef{Slug: slug})
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t%v\n", slug, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%d\n", slug, len(def.Steps), len(def.Resources))
			}
			return nil
		},
	}
}

func newInfoCmd(g *globalFlags) *cobra.Command {
	var versionID string
	cmd := &cobra.Command{
		Use:   "info <kit>",
		Short: "Print the resources, steps and tools of a kit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, adjust := kitRef(args[0], versionID)
			a, err := g.open(ctx, adjust)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			def, err := a.loader.LoadKit(ctx, ref)
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout(), g.json).kitInfo(def)
			return nil
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "kit version id (postgres kits)")
	return cmd
}

func newImportCmd(g *globalFlags) *cobra.Command {
	var (
		slug, message, description, owner string
		draft                             bool
	)
	cmd := &cobra.Command{
		Use:   "import <kit-dir>",
		Short: "Publish a kit directory as a new version in Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, func(c *Config) { c.Kits.Source = KitsPostgres })
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			def, err := kitfs.LoadDir(ctx, args[0])
			if err != nil {
				return err
			}
			if slug == "" {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				slug = filepath.Base(abs)
			}
			var objects kitpg.Putter
			if a.objects != nil {
				objects = a.objects
			}
			ref, err := kitpg.Import(ctx, a.db, objects, kitpg.ImportRequest{
				Slug:          slug,
				Description:   description,
				Definition:    def,
				CommitMessage: message,
				Draft:         draft,
				Owner:         owner,
			})
			if err != nil {
				return err
			}
			if g.json {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(ref)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s version %d (%s)\n", ref.Slug, ref.VersionNumber, ref.VersionID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&slug, "slug", "", "kit slug (defaults to the directory name)")
	fl.StringVarP(&message, "message", "m", "", "commit message stored with the version")
	fl.StringVar(&description, "description", "", "kit description")
	fl.StringVar(&owner, "owner", "", "owning user id")
	fl.BoolVar(&draft, "draft", false, "do not make the version current")
	return cmd
}

func newToolsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools kits can attach, including MCP tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, nil)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			if err := a.openTools(ctx); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "NAME\tTAGS\tSTATUS\tDESCRIPTION")
			for _, n := range a.tools.Names() {
				status, desc := "enabled", ""
				if err := a.tools.Check(n); err != nil {
					status = "blocked"
				} else if c, err := a.tools.Build(ctx, kit.ToolAttachment{ToolName: n}, ""); err == nil {
					desc = c.Definition().Description
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n, strings.Join(a.tools.Tags(n), ","), status, desc)
			}
			return nil
		},
	}
}

func newHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, nil)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			h, ok := a.Check(ctx)
			if g.json {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(h); err != nil {
					return err
				}
			} else {
				deps := make([]string, 0, len(h.Status))
				for d := range h.Status {
					deps = append(deps, d)
				}
				sort.Strings(deps)
				for _, d := range deps {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", d, h.Status[d])
				}
			}
			if !ok {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}
