// Command plugit talks to a PlugIt plug-in server from the shell, or bridges
// one to a host application over stdin/stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/richardartoul/plugitclient/backends"
	"github.com/richardartoul/plugitclient/pkg/metrics"
	"github.com/richardartoul/plugitclient/plugit"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes one command line. The cache is closed and statistics printed
// whether or not the command succeeds.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{cfg: loadConfig(), stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

// app is what every subcommand runs against.
type app struct {
	cfg     *Config
	stderr  io.Writer
	logger  *slog.Logger
	cache   backends.Backend
	latency *metrics.LatencyTracker
	client  *plugit.Client
}

func newRootCmd(a *app) *cobra.Command {
	cfg := a.cfg

	root := &cobra.Command{
		Use:           "plugit",
		Short:         "Client for PlugIt plug-in servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Runnable() || cmd.Name() == "help" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.BaseURL, "server", cfg.BaseURL, "base URL of the plug-in server")
	flags.StringVar(&cfg.Cache, "cache", cfg.Cache, "cache backend: memory, disk, s3 or redis")
	flags.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory of the disk cache")
	flags.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "maximum entries of the memory cache")
	flags.StringVar(&cfg.S3.Bucket, "s3-bucket", cfg.S3.Bucket, "bucket of the s3 cache")
	flags.StringVar(&cfg.S3.Prefix, "s3-prefix", cfg.S3.Prefix, "key prefix of the s3 cache")
	flags.StringVar(&cfg.S3.Region, "s3-region", cfg.S3.Region, "region of the s3 cache")
	flags.StringVar(&cfg.S3.Endpoint, "s3-endpoint", cfg.S3.Endpoint, "endpoint of an s3-compatible store")
	flags.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "address of the redis cache")
	flags.IntVar(&cfg.Redis.DB, "redis-db", cfg.Redis.DB, "database of the redis cache")
	flags.StringVar(&cfg.Redis.Prefix, "redis-prefix", cfg.Redis.Prefix, "key prefix of the redis cache")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "timeout of each request to the server (0 for none)")
	flags.BoolVar(&cfg.Verify, "verify", cfg.Verify, "ping the server and check its protocol version first")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log requests and cache activity")
	flags.BoolVar(&cfg.Stats, "stats", cfg.Stats, "print request latency statistics on exit")

	root.AddCommand(newPingCmd(a))
	root.AddCommand(newVersionCmd(a))
	root.AddCommand(newMetaCmd(a))
	root.AddCommand(newTemplateCmd(a))
	root.AddCommand(newActionCmd(a))
	root.AddCommand(newMediaCmd(a))
	root.AddCommand(newMailCmd(a))
	root.AddCommand(newCacheCmd(a))
	root.AddCommand(newBridgeCmd(a))
	return root
}

func (a *app) open(ctx context.Context) error {
	if err := a.cfg.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	level := slog.LevelInfo
	if a.cfg.Debug {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	cache, locks, err := a.cfg.buildCache(ctx, a.logger)
	if err != nil {
		return fmt.Errorf("failed to set up cache: %w", err)
	}
	opts := []plugit.Option{
		plugit.WithHTTPClient(&http.Client{Timeout: a.cfg.Timeout}),
		plugit.WithBackend(cache),
		plugit.WithLockGroup(locks),
		plugit.WithLogger(a.logger),
		plugit.WithVerify(a.cfg.Verify),
	}
	if a.cfg.Stats {
		a.latency = metrics.NewLatencyTracker(0.01)
		opts = append(opts, plugit.WithLatencyTracker(a.latency))
	}

	// Owned by close from here on, so a failed handshake still releases it.
	a.cache = cache

	client, err := plugit.New(ctx, a.cfg.BaseURL, opts...)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) close() {
	if a.latency != nil {
		fmt.Fprintln(a.stderr, "Latency statistics:")
		for _, s := range a.latency.GetAllStats() {
			fmt.Fprintln(a.stderr, s.String())
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close cache", "error", err)
		}
		a.cache = nil
	}
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server echoes a random token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ok, err := a.client.Ping(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("server doesn't reply to ping")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pong")
			return nil
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Check that the server speaks PlugIt API " + plugit.APIVersion,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ok, err := a.client.CheckVersion(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("not a correct PlugIt API version")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", plugit.APIName, plugit.APIVersion)
			return nil
		},
	}
}

func newMetaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "meta URI",
		Short: "Print the metadata of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := a.client.GetMeta(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if meta == nil {
				return fmt.Errorf("no metadata for %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), meta)
		},
	}
}

func newTemplateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "template URI",
		Short: "Print the template of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := a.client.GetTemplate(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if tmpl == nil {
				return fmt.Errorf("no template for %s", args[0])
			}
			_, err = cmd.OutOrStdout().Write(tmpl)
			return err
		},
	}
}

func newActionCmd(a *app) *cobra.Command {
	var (
		method string
		query  []string
		form   []string
		files  []string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "action URI",
		Short: "Invoke an action and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(method, query, form, files)
			if err != nil {
				return err
			}
			result, err := a.client.DoAction(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result, out)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "query parameter key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&form, "form", "f", nil, "form field key=value (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file field=path to upload (repeatable, implies POST)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "where to write a file result (default stdout)")
	return cmd
}

func newMediaCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "media URI",
		Short: "Download a media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			media, err := a.client.GetMedia(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if media == nil {
				return fmt.Errorf("no media at %s", args[0])
			}
			a.logger.Info("media fetched", "uri", args[0], "content_type", media.ContentType, "size", len(media.Content))
			return writeOutput(cmd.OutOrStdout(), out, media.Content)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newMailCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mail RESPONSE_ID MESSAGE",
		Short: "Notify the server of a new mail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.client.NewMail(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("server rejected the mail")
			}
			return nil
		},
	}
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the metadata and template cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cache.Clear(); err != nil {
				return err
			}
			a.logger.Info("cache cleared", "backend", a.cfg.Cache)
			return nil
		},
	})
	return cmd
}

func newBridgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Serve JSON-lines requests on stdin for a host application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return NewBridge(a.client, cmd.InOrStdin(), cmd.OutOrStdout()).Run(cmd.Context())
		},
	}
}

// buildRequest turns repeated key=value flags into a request. Files force a POST.
func buildRequest(method string, query, form, files []string) (plugit.Request, error) {
	req := plugit.Request{Method: strings.ToUpper(method)}
	var err error
	if req.Query, err = parsePairs("query", query); err != nil {
		return req, err
	}
	if req.Form, err = parsePairs("form", form); err != nil {
		return req, err
	}
	for _, f := range files {
		field, path, ok := strings.Cut(f, "=")
		if !ok || field == "" || path == "" {
			return req, fmt.Errorf("invalid --file %q, want field=path", f)
		}
		req.Files = append(req.Files, plugit.File{Field: field, Path: path})
	}
	if len(req.Files) > 0 {
		req.Method = http.MethodPost
	}
	return req, nil
}

func parsePairs(kind string, pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q, want key=value", kind, p)
		}
		values.Add(k, v)
	}
	return values, nil
}

func printResult(w io.Writer, result plugit.ActionResult, out string) error {
	switch r := result.(type) {
	case nil:
		return fmt.Errorf("action returned no result")
	case *plugit.JSONResult:
		return printJSON(w, r.Value)
	case *plugit.RedirectResult:
		return printJSON(w, map[string]any{"redirect": r.URL, "no_prefix": r.NoPrefix})
	case *plugit.FileResult:
		if out == "" {
			_, err := w.Write(r.Content)
			return err
		}
		return writeOutput(w, out, r.Content)
	default:
		return fmt.Errorf("unexpected result type %T", result)
	}
}

func writeOutput(w io.Writer, out string, content []byte) error {
	if out == "" || out == "-" {
		_, err := w.Write(content)
		return err
	}
	return os.WriteFile(out, content, 0o644)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
