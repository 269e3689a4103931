package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/nlpipe/internal/backend"
	"github.com/dusk-indust/nlpipe/internal/export"
	"github.com/dusk-indust/nlpipe/internal/metrics"
	"github.com/dusk-indust/nlpipe/internal/pipeline"
	"github.com/dusk-indust/nlpipe/internal/schema"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// errAbandoned is returned when the user cancels at a checkpoint.
var errAbandoned = errors.New("query abandoned")

type runOptions struct {
	yes        bool
	plan       int
	embedded   bool
	exportPath string
	mermaid    bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run one query through parse, plan and execute",
		Long: `Run one query through the three stages, stopping at each checkpoint.

At the field checkpoint:
  edit <key> <newKey> [description]   rename a field and/or change its description
  delete <key>                        remove a field
  ok                                  accept the fields and plan

At the plan checkpoint:
  <n>                                 select plan n
  ok                                  execute the selected plan

"cancel" abandons the query at either checkpoint.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runQuery(cmd, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "accept the parsed fields and the plan without prompting")
	cmd.Flags().IntVar(&opts.plan, "plan", 1, "plan to execute with --yes")
	cmd.Flags().BoolVar(&opts.embedded, "embedded", false, "run against an in-process demo backend")
	cmd.Flags().StringVarP(&opts.exportPath, "export", "o", "", "write the finished run as JSON to this file")
	cmd.Flags().BoolVar(&opts.mermaid, "mermaid", false, "print candidate plans as a Mermaid flowchart")
	return cmd
}

func (a *app) runQuery(cmd *cobra.Command, query string, opts runOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if opts.embedded {
		addr, err := a.startEmbeddedBackend(ctx, g)
		if err != nil {
			return err
		}
		a.cfg.Backend.URL = "http://" + addr
	}

	collector := metrics.New()
	if a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveHTTP(ctx, a.cfg.Metrics.Addr, metricsMux(collector))
		})
	}

	ctrl := a.newController(collector,
		pipeline.WithNotifier(pipeline.NewNotifier(64)),
		pipeline.WithSink(pipeline.SinkFunc(func(e pipeline.Entry) {
			a.logger.Debug("nlpipe: conversation entry", "kind", e.Kind, "stage", e.Stage, "content", e.Content)
		})),
	)

	d := &driver{
		ctrl:  ctrl,
		opts:  opts,
		out:   cmd.OutOrStdout(),
		lines: readLines(cmd.InOrStdin()),
	}
	g.Go(func() error {
		defer cancel()
		defer ctrl.Close()

		run, err := d.drive(ctx, query)
		if errors.Is(err, errAbandoned) {
			return nil
		}
		if err != nil {
			return err
		}
		return d.report(run)
	})
	return g.Wait()
}

// startEmbeddedBackend serves the demo backend on a loopback port until ctx
// is cancelled and returns its address.
func (a *app) startEmbeddedBackend(ctx context.Context, g *errgroup.Group) (string, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("embedded backend: %w", err)
	}

	b := backend.New(backend.DemoRunners(a.cfg.Backend.DemoDelay),
		backend.WithEndpoints(a.cfg.Endpoints()),
		backend.WithLogger(a.logger),
		backend.WithServerOptions(stagetask.WithServerLogger(a.logger)),
	)
	g.Go(func() error {
		defer b.Stop(context.Background())
		return serveListener(ctx, ln, b.Handler())
	})
	return ln.Addr().String(), nil
}

// driver walks one query through the checkpoints, prompting on out and
// reading answers from lines.
type driver struct {
	ctrl  *pipeline.Controller
	opts  runOptions
	out   io.Writer
	lines <-chan string

	abandoned bool
}

func (d *driver) drive(ctx context.Context, query string) (*pipeline.Run, error) {
	notes := d.ctrl.Notifications()
	if err := d.ctrl.SubmitQuery(ctx, query); err != nil {
		return nil, err
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			d.ctrl.Cancel()
			return nil, ctx.Err()
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			fmt.Fprintln(d.out, pipeline.FormatNotification(n))
		case <-tick.C:
		}

		st := d.ctrl.State()
		switch st.Phase {
		case pipeline.PhaseParseReview:
			d.drain(notes)
			if err := d.reviewFields(ctx); err != nil {
				return nil, err
			}
		case pipeline.PhasePlanReview:
			d.drain(notes)
			if err := d.reviewPlans(ctx); err != nil {
				return nil, err
			}
		case pipeline.PhaseFailed:
			d.drain(notes)
			return nil, st.Err
		case pipeline.PhaseIdle:
			if d.abandoned {
				return nil, errAbandoned
			}
			if run, ok := d.ctrl.LastRun(); ok {
				d.drain(notes)
				return run, nil
			}
		}
	}
}

// drain prints the notifications already queued.
func (d *driver) drain(notes <-chan pipeline.Notification) {
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				return
			}
			fmt.Fprintln(d.out, pipeline.FormatNotification(n))
		default:
			return
		}
	}
}

func (d *driver) reviewFields(ctx context.Context) error {
	for {
		cp, err := d.ctrl.Checkpoint()
		if err != nil {
			return err
		}
		printFields(d.out, cp)
		if d.opts.yes {
			return d.ctrl.ConfirmEdits(ctx, nil)
		}

		line, ok := d.prompt(ctx, "fields> ")
		if !ok {
			d.abandon()
			return nil
		}
		verb, args := splitCommand(line)
		switch verb {
		case "", "ok", "y", "yes":
			return d.ctrl.ConfirmEdits(ctx, nil)
		case "edit":
			if len(args) < 2 {
				fmt.Fprintln(d.out, "  usage: edit <key> <newKey> [description]")
				continue
			}
			desc := strings.Join(args[2:], " ")
			if desc == "" {
				if f, ok := cp.Get(args[0]); ok {
					desc = f.Description
				}
			}
			err = d.ctrl.EditField(args[0], args[1], desc)
		case "delete", "del", "rm":
			if len(args) != 1 {
				fmt.Fprintln(d.out, "  usage: delete <key>")
				continue
			}
			err = d.ctrl.DeleteField(args[0])
		case "cancel", "q", "quit":
			d.abandon()
			return nil
		default:
			fmt.Fprintln(d.out, "  commands: edit, delete, ok, cancel")
		}
		if err != nil {
			fmt.Fprintf(d.out, "  ! %v\n", err)
		}
	}
}

func (d *driver) reviewPlans(ctx context.Context) error {
	plans, err := d.ctrl.Plans()
	if err != nil {
		return err
	}
	printPlans(d.out, plans)
	if d.opts.mermaid {
		fmt.Fprintln(d.out, export.GenerateMermaid(plans, -1))
	}

	if d.opts.yes {
		if err := d.ctrl.SelectPlan(d.opts.plan - 1); err != nil {
			return err
		}
		return d.ctrl.ConfirmPlan(ctx)
	}

	for {
		line, ok := d.prompt(ctx, "plan> ")
		if !ok {
			d.abandon()
			return nil
		}
		verb, args := splitCommand(line)
		switch verb {
		case "ok", "y", "yes", "":
			err = d.ctrl.ConfirmPlan(ctx)
			if !errors.Is(err, pipeline.ErrNoSelection) {
				return err
			}
		case "cancel", "q", "quit":
			d.abandon()
			return nil
		case "select":
			if len(args) != 1 {
				fmt.Fprintln(d.out, "  usage: select <n>")
				continue
			}
			err = d.selectPlan(args[0])
		default:
			if _, convErr := strconv.Atoi(verb); convErr != nil {
				fmt.Fprintln(d.out, "  commands: <n>, ok, cancel")
				continue
			}
			err = d.selectPlan(verb)
		}
		if err != nil {
			fmt.Fprintf(d.out, "  ! %v\n", err)
		}
	}
}

func (d *driver) selectPlan(arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("not a plan number: %q", arg)
	}
	if err := d.ctrl.SelectPlan(n - 1); err != nil {
		return err
	}
	fmt.Fprintf(d.out, "  selected plan %d\n", n)
	return nil
}

func (d *driver) abandon() {
	d.abandoned = true
	d.ctrl.Cancel()
}

// prompt writes p and waits for the next input line. It reports false when
// input is exhausted or ctx is cancelled.
func (d *driver) prompt(ctx context.Context, p string) (string, bool) {
	fmt.Fprint(d.out, p)
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-d.lines:
		return strings.TrimSpace(line), ok
	}
}

// report prints the result table and writes the export file.
func (d *driver) report(run *pipeline.Run) error {
	exp, err := export.ExportRun(run, time.Now())
	if err != nil {
		return err
	}

	if exp.Table != nil {
		tw := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(exp.Table.Columns, "\t"))
		for _, row := range exp.Table.Rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		tw.Flush()
	} else if len(exp.Raw) > 0 {
		fmt.Fprintln(d.out, string(exp.Raw))
	}
	if len(exp.RelatedDocs) > 0 {
		fmt.Fprintf(d.out, "related: %s\n", strings.Join(exp.RelatedDocs, ", "))
	}

	if d.opts.exportPath == "" {
		return nil
	}
	f, err := os.Create(d.opts.exportPath)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	if err := export.WriteJSON(f, exp); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printFields(w io.Writer, cp *schema.ParseResult) {
	fmt.Fprintln(w, "Fields:")
	for i, e := range cp.Entries() {
		req := ""
		if e.Field.Required {
			req = ", required"
		}
		fmt.Fprintf(w, "  %d. %s (%s%s): %s\n", i+1, e.Key, e.Field.FieldType, req, e.Field.Description)
	}
}

func printPlans(w io.Writer, plans schema.PlanList) {
	for i, p := range plans {
		fmt.Fprintf(w, "Plan %d:\n", i+1)
		for j, s := range p {
			fmt.Fprintf(w, "  %d. %s: %s\n", j+1, s.Name, s.Description)
		}
	}
}

func splitCommand(line string) (string, []string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}

// readLines delivers input lines on a channel that is closed at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}
