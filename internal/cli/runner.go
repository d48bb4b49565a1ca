// Package cli is the operator front end: it inspects and drains the offline
// queue and drives single UI events against the configured API.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/g960059/sduisync/internal/config"
	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/runtime"
	"github.com/g960059/sduisync/internal/security"
	"github.com/g960059/sduisync/internal/syncengine"
)

type Runner struct {
	out      io.Writer
	errOut   io.Writer
	logger   *slog.Logger
	cfg      *config.Config
	rtOpts   []runtime.Option
	loadCfg  func(path string) (config.Config, error)
	logSetup func(level string) *slog.Logger
}

type Option func(*Runner)

// WithConfig bypasses config file loading.
func WithConfig(cfg config.Config) Option {
	return func(r *Runner) { r.cfg = &cfg }
}

func WithRuntimeOptions(opts ...runtime.Option) Option {
	return func(r *Runner) { r.rtOpts = append(r.rtOpts, opts...) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithLogSetup builds the logger from the configured level once a command
// has loaded its config.
func WithLogSetup(setup func(level string) *slog.Logger) Option {
	return func(r *Runner) { r.logSetup = setup }
}

func NewRunner(out, errOut io.Writer, opts ...Option) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	r := &Runner{
		out:     out,
		errOut:  errOut,
		logger:  slog.Default(),
		loadCfg: config.Load,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	cfgPath, rest, err := GlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "queue":
		return r.runQueue(ctx, cfgPath, rest[1:])
	case "sync":
		return r.runSync(ctx, cfgPath, rest[1:])
	case "contracts":
		return r.runContracts(ctx, cfgPath, rest[1:])
	case "event":
		return r.runEvent(ctx, cfgPath, rest[1:])
	case "run":
		return r.runDaemon(ctx, cfgPath, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

// GlobalArgs splits the --config flag from the command line.
func GlobalArgs(args []string) (string, []string, error) {
	cfgPath := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires value")
			}
			cfgPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return cfgPath, rest, nil
}

func (r *Runner) open(ctx context.Context, cfgPath string) (*runtime.Runtime, error) {
	var cfg config.Config
	if r.cfg != nil {
		cfg = *r.cfg
	} else {
		loaded, err := r.loadCfg(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if r.logSetup != nil {
		r.logger = r.logSetup(cfg.LogLevel)
	}
	opts := append([]runtime.Option{runtime.WithLogger(r.logger)}, r.rtOpts...)
	return runtime.Open(ctx, cfg, opts...)
}

func (r *Runner) runQueue(ctx context.Context, cfgPath string, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: sduisync queue <list|clear|drain>")
		return 2
	}
	fs := flag.NewFlagSet("queue "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	switch args[0] {
	case "list", "clear", "drain":
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown queue command: %s\n", args[0])
		return 2
	}

	rt, err := r.open(ctx, cfgPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer rt.Close() //nolint:errcheck

	switch args[0] {
	case "list":
		items := rt.Queue.Snapshot()
		if *jsonOut {
			rows := make([]queueRow, 0, len(items))
			for _, m := range items {
				rows = append(rows, newQueueRow(m))
			}
			return r.writeJSON(map[string]any{"pending": rows})
		}
		if len(items) == 0 {
			_, _ = fmt.Fprintln(r.out, "queue is empty")
			return 0
		}
		for _, m := range items {
			row := newQueueRow(m)
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n", row.ID, row.Method, row.Endpoint, row.EnqueuedAt, row.Body)
		}
		return 0
	case "clear":
		n := rt.Queue.PendingCount()
		if err := rt.Queue.Clear(ctx); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "cleared %d pending mutation(s)\n", n)
		return 0
	default:
		report, err := rt.Engine.ProcessQueue(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if code := r.printReport(report, *jsonOut); code != 0 {
			return code
		}
		if report.State == model.SyncFailed {
			return 1
		}
		return 0
	}
}

type queueRow struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Endpoint   string `json:"endpoint"`
	EnqueuedAt string `json:"enqueued_at"`
	Body       string `json:"body,omitempty"`
}

func newQueueRow(m model.PendingMutation) queueRow {
	return queueRow{
		ID:         m.ID,
		Method:     m.Method,
		Endpoint:   m.Endpoint,
		EnqueuedAt: m.EnqueuedAt.UTC().Format(time.RFC3339),
		Body:       security.RedactBody(m.Body),
	}
}

func (r *Runner) runSync(ctx context.Context, cfgPath string, args []string) int {
	if len(args) == 0 || args[0] != "status" {
		_, _ = fmt.Fprintln(r.errOut, "usage: sduisync sync status [--json]")
		return 2
	}
	fs := flag.NewFlagSet("sync status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rt, err := r.open(ctx, cfgPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer rt.Close() //nolint:errcheck

	report, ok, err := rt.LastReport(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	pending := rt.Queue.PendingCount()
	if *jsonOut {
		out := map[string]any{"pending": pending}
		if ok {
			out["last_report"] = report
		}
		return r.writeJSON(out)
	}
	_, _ = fmt.Fprintf(r.out, "pending=%d\n", pending)
	if !ok {
		_, _ = fmt.Fprintln(r.out, "no sync pass recorded")
		return 0
	}
	return r.printReport(report, false)
}

func (r *Runner) printReport(report syncengine.Report, jsonOut bool) int {
	if jsonOut {
		return r.writeJSON(report)
	}
	_, _ = fmt.Fprintf(r.out, "sync %s: succeeded=%d skipped=%d applied_local=%d failed=%d deferred=%d remaining=%d\n",
		report.State, report.Succeeded, report.Skipped, report.AppliedLocal, report.Failed, report.Deferred, report.Remaining)
	return 0
}

func (r *Runner) runContracts(ctx context.Context, cfgPath string, args []string) int {
	fs := flag.NewFlagSet("contracts", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rt, err := r.open(ctx, cfgPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer rt.Close() //nolint:errcheck

	defs := rt.Contracts.Definitions()
	if *jsonOut {
		return r.writeJSON(map[string]any{"contracts": defs})
	}
	for _, d := range defs {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", d.ScreenKey, d.Kind, d.Resource, d.BasePath)
	}
	return 0
}

const eventUsage = "usage: sduisync event <screen> <event> [--perm <permission>]... [--id <id>] [--field k=v]... [--search <q>] [--offset <n>] [--json]"

func (r *Runner) runEvent(ctx context.Context, cfgPath string, args []string) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(r.errOut, eventUsage)
		return 2
	}
	screen, eventID := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	fs := flag.NewFlagSet("event", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var perms stringList
	fields := fieldValues{}
	fs.Var(&perms, "perm", "permission granted to the acting user")
	fs.Var(fields, "field", "field value k=v")
	role := fs.String("role", "operator", "role name of the acting user")
	id := fs.String("id", "", "id of the selected item")
	search := fs.String("search", "", "search query")
	offset := fs.Int("offset", 0, "pagination offset")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[2:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if screen == "" || eventID == "" || fs.NArg() > 0 || *offset < 0 {
		_, _ = fmt.Fprintln(r.errOut, eventUsage)
		return 2
	}

	rt, err := r.open(ctx, cfgPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer rt.Close() //nolint:errcheck

	opts := []model.EventContextOption{
		model.WithFieldValues(model.Item(fields)),
		model.WithSearchQuery(*search),
		model.WithPaginationOffset(*offset),
	}
	if v := strings.TrimSpace(*id); v != "" {
		opts = append(opts, model.WithSelectedItem(model.Item{"id": v}))
	}
	user := model.NewUserContext("cli", *role, perms...)
	ectx := model.NewEventContext(screen, user, opts...)

	var res model.EventResult
	if ev := model.ScreenEvent(eventID); isStandardEvent(ev) {
		res = rt.Orchestrator.Execute(ctx, ev, ectx)
	} else {
		res = rt.Orchestrator.ExecuteCustom(ctx, eventID, ectx)
	}
	r.logger.Debug("event executed", "screen", screen, "event", eventID, "kind", string(res.Kind))

	if *jsonOut {
		if code := r.writeJSON(resultView(res)); code != 0 {
			return code
		}
	} else {
		r.printResult(res)
	}
	switch res.Kind {
	case model.ResultError, model.ResultPermissionDenied:
		return 1
	default:
		return 0
	}
}

func isStandardEvent(ev model.ScreenEvent) bool {
	for _, known := range model.AllEvents {
		if ev == known {
			return true
		}
	}
	return false
}

func (r *Runner) printResult(res model.EventResult) {
	switch res.Kind {
	case model.ResultSuccess:
		suffix := ""
		if items, ok := res.Data.(model.Items); ok {
			suffix = fmt.Sprintf(" (%d items)", len(items))
		}
		_, _ = fmt.Fprintf(r.out, "success: %s%s\n", res.Message, suffix)
	case model.ResultError:
		_, _ = fmt.Fprintf(r.out, "error: %s: %s\n", res.Message, security.RedactPayload(res.Detail))
	case model.ResultPermissionDenied:
		_, _ = fmt.Fprintln(r.out, "permission denied")
	case model.ResultNavigateTo:
		_, _ = fmt.Fprintf(r.out, "navigate: %s%s\n", res.Screen, formatParams(res.Params))
	case model.ResultSubmitTo:
		_, _ = fmt.Fprintf(r.out, "submit: %s %s\n", res.Method, res.Endpoint)
	case model.ResultLogout:
		_, _ = fmt.Fprintln(r.out, "logout")
	default:
		_, _ = fmt.Fprintln(r.out, "no-op")
	}
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := params[k]
		if security.IsSecretKey(k) {
			v = security.Redacted
		}
		parts = append(parts, k+"="+v)
	}
	return " " + strings.Join(parts, " ")
}

func resultView(res model.EventResult) map[string]any {
	out := map[string]any{"kind": string(res.Kind)}
	switch res.Kind {
	case model.ResultSuccess:
		out["message"] = res.Message
		out["deferred"] = res.Deferred
		if items, ok := res.Data.(model.Items); ok {
			redacted := make(model.Items, len(items))
			for i, it := range items {
				redacted[i] = security.RedactItem(it)
			}
			out["data"] = redacted
		} else if res.Data != nil {
			out["data"] = res.Data
		}
	case model.ResultError:
		out["message"] = res.Message
		out["detail"] = security.RedactPayload(res.Detail)
	case model.ResultNavigateTo:
		out["screen"] = res.Screen
		out["params"] = res.Params
	case model.ResultSubmitTo:
		out["endpoint"] = res.Endpoint
		out["method"] = res.Method
		out["body"] = security.RedactItem(res.Body)
	}
	return out
}

func (r *Runner) runDaemon(ctx context.Context, cfgPath string, args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: sduisync run")
		return 2
	}
	rt, err := r.open(ctx, cfgPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer rt.Close() //nolint:errcheck
	rt.Run(ctx)
	return 0
}

func (r *Runner) writeJSON(v any) int {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(buf)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", security.RedactPayload(err.Error()))
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: sduisync [--config <path>] <queue|sync|contracts|event|run> ...")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

type fieldValues map[string]any

func (f fieldValues) String() string { return "" }

func (f fieldValues) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("field %q must be key=value", v)
	}
	f[key] = value
	return nil
}
