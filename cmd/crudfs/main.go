// Command crudfs manages files stored in a CRUD object store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	oklogrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/crudfs/internal/cmdutil"
	"github.com/rfratto/crudfs/internal/config"
	"github.com/rfratto/crudfs/internal/crud/client"
	"github.com/rfratto/crudfs/internal/crudio"
)

const usage = `usage: %s [flags] <command> [args]

Commands:
  format                   erase the store and create an empty volume
  ls                       list files
  cat <path>               print a file
  write <path> [offset]    write stdin to a file at offset (default 0)
  rm <path>                remove a file
  shell                    run an interactive shell on a mounted volume

Flags:
`

func main() {
	var (
		configFile     string
		ll             cmdutil.LogLevel
		serverAddr     string
		requestTimeout time.Duration
		metricsAddr    string
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usage, os.Args[0])
		fs.PrintDefaults()
	}
	fs.StringVar(&configFile, "config.file", "", "YAML file to load configuration from")
	fs.Var(&ll, "log.level", "Level to display logs at")
	fs.StringVar(&serverAddr, "server.addr", config.DefaultConfig.Server.Addr, "address of the object store")
	fs.DurationVar(&requestTimeout, "server.request-timeout", config.DefaultConfig.Server.RequestTimeout, "timeout for each volume operation")
	fs.StringVar(&metricsAddr, "metrics.listen-addr", "", "address to serve /metrics on while running the shell")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %s\n", err.Error())
			os.Exit(1)
		}
		cfg = *loaded
	}

	// Flags which were explicitly set override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log.level":
			cfg.LogLevel = ll
		case "server.addr":
			cfg.Server.Addr = serverAddr
		case "server.request-timeout":
			cfg.Server.RequestTimeout = requestTimeout
		case "metrics.listen-addr":
			cfg.Metrics.ListenAddr = metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %s\n", err.Error())
		os.Exit(1)
	}

	// Logs go to stderr; stdout is reserved for file contents.
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = cfg.LogLevel.Filter(l)
	l = log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller, "program", "crudfs")

	if err := run(l, &cfg, fs.Arg(0), fs.Args()[1:]); err != nil {
		level.Error(l).Log("msg", "error during run", "cmd", fs.Arg(0), "err", err)
		os.Exit(1)
	}
}

// app holds the objects shared by every command.
type app struct {
	log     log.Logger
	cfg     *config.Config
	client  *client.Client
	vol     *crudio.Volume
	stdin   io.Reader
	stdout  io.Writer
	timeout time.Duration
}

func newApp(l log.Logger, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	co := cfg.ClientOptions()
	co.Registerer = reg
	co.Middleware = []client.Middleware{client.NewLoggingMiddleware(l)}

	cli, err := client.New(l, co)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	vol, err := crudio.New(l, cli, cfg.VolumeOptions())
	if err != nil {
		return nil, fmt.Errorf("creating volume: %w", err)
	}

	return &app{
		log:     l,
		cfg:     cfg,
		client:  cli,
		vol:     vol,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		timeout: cfg.Server.RequestTimeout,
	}, nil
}

// opContext returns a context for a single volume operation.
func (a *app) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, a.timeout)
}

func (a *app) mount(ctx context.Context) error {
	ctx, cancel := a.opContext(ctx)
	defer cancel()
	return a.vol.Mount(ctx)
}

func (a *app) unmount(ctx context.Context) error {
	ctx, cancel := a.opContext(ctx)
	defer cancel()
	return a.vol.Unmount(ctx)
}

// mounted runs f on a mounted volume and unmounts it afterwards, even if f
// fails or ctx is canceled.
func (a *app) mounted(ctx context.Context, f func() error) error {
	if err := a.mount(ctx); err != nil {
		return fmt.Errorf("mounting volume: %w", err)
	}

	var errs *multierror.Error
	if err := f(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.unmount(context.Background()); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unmounting volume: %w", err))
	}
	return errs.ErrorOrNil()
}

func run(l log.Logger, cfg *config.Config, cmd string, args []string) error {
	if cmd == "shell" {
		return runShell(l, cfg)
	}

	a, err := newApp(l, cfg, nil)
	if err != nil {
		return err
	}
	defer a.client.Close()

	return a.runCommand(context.Background(), cmd, args)
}

// runCommand runs every command except shell.
func (a *app) runCommand(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "format":
		if len(args) != 0 {
			return fmt.Errorf("usage: format")
		}
		return a.format(ctx)
	case "ls":
		if len(args) != 0 {
			return fmt.Errorf("usage: ls")
		}
		return a.mounted(ctx, a.list)
	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat <path>")
		}
		return a.mounted(ctx, func() error { return a.cat(ctx, args[0]) })
	case "write":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: write <path> [offset]")
		}
		var offset uint64
		if len(args) == 2 {
			var err error
			offset, err = strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid offset %q: %w", args[1], err)
			}
		}
		return a.mounted(ctx, func() error { return a.write(ctx, args[0], uint32(offset)) })
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm <path>")
		}
		return a.mounted(ctx, func() error { return a.remove(ctx, args[0]) })
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) format(ctx context.Context) error {
	opCtx, cancel := a.opContext(ctx)
	defer cancel()
	if err := a.vol.Format(opCtx); err != nil {
		return err
	}
	return a.unmount(ctx)
}

func (a *app) list() error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tSIZE\tOID")
	for _, fi := range a.vol.Files() {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", fi.Handle, fi.Name, fi.Size, uint32(fi.OID))
	}
	return tw.Flush()
}

func (a *app) cat(ctx context.Context, path string) error {
	h, err := a.open(ctx, path)
	if err != nil {
		return err
	}
	defer a.vol.Close(h)

	fi, err := a.vol.Stat(h)
	if err != nil {
		return err
	}

	opCtx, cancel := a.opContext(ctx)
	defer cancel()

	buf := make([]byte, fi.Size)
	n, err := a.vol.Read(opCtx, h, buf)
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(buf[:n])
	return err
}

func (a *app) write(ctx context.Context, path string, offset uint32) error {
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	h, err := a.open(ctx, path)
	if err != nil {
		return err
	}
	defer a.vol.Close(h)

	if err := a.vol.Seek(h, offset); err != nil {
		return err
	}

	opCtx, cancel := a.opContext(ctx)
	defer cancel()

	n, err := a.vol.Write(opCtx, h, data)
	if err != nil {
		return err
	}
	level.Info(a.log).Log("msg", "wrote file", "path", path, "offset", offset, "bytes", n)
	return nil
}

func (a *app) remove(ctx context.Context, path string) error {
	ctx, cancel := a.opContext(ctx)
	defer cancel()
	return a.vol.Remove(ctx, path)
}

func (a *app) open(ctx context.Context, path string) (crudio.Handle, error) {
	ctx, cancel := a.opContext(ctx)
	defer cancel()
	return a.vol.Open(ctx, path)
}

func runShell(l log.Logger, cfg *config.Config) error {
	a, err := newApp(l, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.client.Close()

	var group oklogrun.Group

	// Metrics server worker
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		srv := http.Server{Handler: r}

		group.Add(func() error {
			level.Debug(l).Log("msg", "listening for http traffic", "addr", lis.Addr())
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// Shell worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			return a.mounted(ctx, func() error {
				sh := newShell(a)
				return sh.Run(ctx, a.stdin)
			})
		}, func(_ error) {
			cancel()
		})
	}

	// Signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	return group.Run()
}
