package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	pulsesink "github.com/clerkhq/clerk/features/stream/pulse"
	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/engine"
	"github.com/clerkhq/clerk/runtime/kit/extract"
	"github.com/clerkhq/clerk/runtime/kit/run"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

type runFlags struct {
	evaluate  bool
	mode      string
	label     string
	user      string
	versionID string
	resources []string
	objects   []string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <kit>",
		Short: "Execute a kit from step 1",
		Long: `Execute a kit. <kit> is a kit name under the kits directory, a path to a
kit directory, or a kit slug when kits are stored in Postgres.

Dynamic resources are supplied with --resource resource_N=text or
--resource resource_N=@path/to/file; with object storage configured,
--object resource_N=key reads an uploaded file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, adjust := kitRef(args[0], f.versionID)
			a, err := g.open(ctx, adjust)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			mode, err := run.ParseStorageMode(f.mode)
			if err != nil {
				return err
			}
			dynamic, err := parseDynamic(f.resources, f.objects)
			if err != nil {
				return err
			}
			eng, err := a.newEngine(ctx)
			if err != nil {
				return err
			}
			defer shutdown(ctx, eng)
			h, err := eng.Start(ctx, engine.StartRequest{
				Version:     ref,
				UserID:      f.user,
				Label:       f.label,
				StorageMode: mode,
				Evaluate:    f.evaluate,
				Model:       a.cfg.Model,
				Dynamic:     dynamic,
			})
			if err != nil {
				return err
			}
			return follow(ctx, eng, h.RunID, newPrinter(cmd.OutOrStdout(), g.json), cmd.InOrStdin())
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.evaluate, "evaluate", false, "pause after every step until a score is entered")
	fl.StringVar(&f.mode, "mode", string(run.StorageTransparent), "storage mode: transparent or anonymous")
	fl.StringVar(&f.label, "label", "", "description stored with the run")
	fl.StringVar(&f.user, "user", "", "user id recorded on the run")
	fl.StringVar(&f.versionID, "version", "", "kit version id (postgres kits)")
	fl.StringArrayVarP(&f.resources, "resource", "r", nil, "dynamic resource value: resource_N=text or resource_N=@file")
	fl.StringArrayVar(&f.objects, "object", nil, "dynamic resource from object storage: resource_N=key")
	return cmd
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	var takeOver bool
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a paused run from its next step",
		Long: "Continue a paused run from its next step. A run still marked running is\n" +
			"rejected unless redis.addr is set or --recover confirms its process is gone.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, nil)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			var extra []engine.Option
			if takeOver {
				extra = append(extra, engine.WithRecovery(true))
			}
			eng, err := a.newEngine(ctx, extra...)
			if err != nil {
				return err
			}
			defer shutdown(ctx, eng)
			h, err := eng.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			return follow(ctx, eng, h.RunID, newPrinter(cmd.OutOrStdout(), g.json), cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&takeOver, "recover", false, "take over a run left running by a process that exited")
	return cmd
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Print the events of a run executing in another process",
		Long:  "Follow a run through its Redis event stream. Requires redis.addr.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, nil)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)
			if a.pulse == nil {
				return errors.New("watch requires redis.addr (CLERK_REDIS_ADDR)")
			}
			sub, err := pulsesink.NewSubscriber(pulsesink.SubscriberOptions{
				Client:   a.pulse,
				SinkName: "clerk_watch_" + strconv.Itoa(os.Getpid()),
			})
			if err != nil {
				return err
			}
			events, errs, cancel, err := sub.Subscribe(ctx, args[0])
			if err != nil {
				return err
			}
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), g.json)
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					p.event(ev)
					if ev.Terminal() {
						return doneError(ev)
					}
				case err := <-errs:
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
}

// kitRef maps the run argument to a version reference. An existing
// directory overrides the kits directory so a kit can be run in place.
func kitRef(arg, versionID string) (kit.VersionRef, func(*Config)) {
	ref := kit.VersionRef{Slug: arg, VersionID: versionID}
	info, err := os.Stat(arg)
	if err != nil || !info.IsDir() {
		return ref, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return ref, nil
	}
	ref.Slug = filepath.Base(abs)
	return ref, func(c *Config) {
		c.Kits.Source = KitsFS
		c.Kits.Dir = filepath.Dir(abs)
	}
}

// parseDynamic decodes --resource and --object values.
func parseDynamic(values, objects []string) (map[string]engine.DynamicInput, error) {
	out := make(map[string]engine.DynamicInput, len(values)+len(objects))
	split := func(v string) (string, string, error) {
		id, val, ok := strings.Cut(v, "=")
		if !ok || id == "" {
			return "", "", fmt.Errorf("invalid resource %q: expected resource_N=value", v)
		}
		if prefix, _, ok := kit.ParseID(id); !ok || prefix != kit.ResourcePrefix {
			return "", "", fmt.Errorf("invalid resource id %q", id)
		}
		return id, val, nil
	}
	for _, v := range values {
		id, val, err := split(v)
		if err != nil {
			return nil, err
		}
		path, isFile := strings.CutPrefix(val, "@")
		if !isFile {
			out[id] = engine.DynamicInput{Text: val}
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", id, err)
		}
		name := filepath.Base(path)
		out[id] = engine.DynamicInput{File: &engine.File{Name: name, MimeType: extract.DetectMimeType(name), Data: data}}
	}
	for _, v := range objects {
		id, key, err := split(v)
		if err != nil {
			return nil, err
		}
		out[id] = engine.DynamicInput{ObjectKey: key}
	}
	return out, nil
}

// follow prints the events of runID until the attempt ends. In evaluation
// mode scores are read from in; "p" pauses the run. The first interrupt
// pauses the run, a second one aborts.
func follow(ctx context.Context, eng *engine.Engine, runID string, p *printer, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := eng.Subscribe(ctx, runID)
	defer sub.Close()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	pause := func() {
		if err := eng.Pause(ctx, runID); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "pause"}, log.KV{K: "run_id", V: runID})
			return
		}
		p.notice("pausing after the current step; resume with: clerk resume " + runID)
	}

	var (
		awaiting *stream.AwaitEvalPayload
		paused   bool
	)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				rec, err := eng.Load(ctx, runID)
				if err != nil {
					return err
				}
				return statusError(rec.Status, rec.Error)
			}
			p.event(ev)
			switch pl := ev.Payload.(type) {
			case stream.AwaitEvalPayload:
				awaiting = &pl
				p.prompt(pl.Step)
			case stream.StepCompletePayload:
				awaiting = nil
			}
			if ev.Terminal() {
				return doneError(ev)
			}
		case line := <-lines:
			if strings.EqualFold(line, "p") || strings.EqualFold(line, "pause") {
				pause()
				continue
			}
			if awaiting == nil || line == "" {
				continue
			}
			score, err := strconv.Atoi(line)
			if err == nil {
				err = eng.SubmitEvaluation(ctx, runID, awaiting.Step, score)
			}
			if err != nil {
				p.notice(fmt.Sprintf("invalid score: %v", err))
				p.prompt(awaiting.Step)
				continue
			}
			awaiting = nil
		case <-sigs:
			if paused {
				return errors.New("interrupted")
			}
			paused = true
			pause()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func doneError(ev stream.Event) error {
	pl, ok := ev.Payload.(stream.DonePayload)
	if !ok {
		return nil
	}
	return statusError(run.Status(pl.Status), pl.Error)
}

func statusError(status run.Status, msg string) error {
	if status != run.StatusFailed {
		return nil
	}
	if msg == "" {
		msg = "run failed"
	}
	return errors.New(msg)
}

func shutdown(ctx context.Context, eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "engine shutdown"})
	}
}
