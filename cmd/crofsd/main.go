// Command crofsd mounts a crofs image and optionally serves a control
// plane for lifecycle management and hot takeover.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"golang.org/x/xerrors"

	"github.com/crofs/crofs"
	"github.com/crofs/crofs/internal/control"
	"github.com/crofs/crofs/internal/daemon"
	"github.com/crofs/crofs/internal/fs"
	"github.com/crofs/crofs/internal/stats"
)

const version = "0.1.0"

const daemonHelp = `crofsd daemon [-flags]

Run a long-lived crofs mount daemon: serve the control plane over -listen,
mount on PUT /mount, and support hot takeover via -takeover.
`

// cmdDaemon runs a control-plane-driven daemon: it starts empty (Init) and
// waits for a PUT /mount or, with -takeover set, dials the named socket at
// startup to receive an inherited FUSE fd before the control plane opens.
func cmdDaemon(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("daemon", flag.ExitOnError)
	var (
		id       = fset.String("id", "", "daemon identifier reported at GET /daemon")
		listen   = fset.String("listen", "127.0.0.1:0", "address the control plane listens on")
		takeover = fset.String("takeover", "", "supervisor takeover socket path; if set, take over on startup")
	)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, daemonHelp)
		fset.PrintDefaults()
	}
	fset.Parse(args)

	if *id == "" {
		*id = fmt.Sprintf("crofsd-%d", os.Getpid())
	}

	counters := &stats.Counters{}
	d := daemon.New(*id, version)
	d.MountFn = func(ctx context.Context, req daemon.MountRequest) (func(context.Context) error, func() error, error) {
		cfg := fs.Config{Mode: "cached", ThreadsCnt: 4, Stats: counters}
		if m, ok := req.Config["mode"]; ok {
			cfg.Mode = m
		}
		if b, ok := req.Config["blob_dir"]; ok {
			cfg.BlobDir = b
		}
		return fs.MountFS(ctx, req.Source, req.Mountpoint, cfg)
	}

	setLevel := func(level string) {
		log.Printf("log level set to %q", level)
	}

	// The run loop gets its own context so that an interrupt still reaches
	// it as the Exit and Stop events below instead of ending it first.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()

	if *takeover != "" {
		fd, opaque, err := daemon.DialAndReceiveFD(*takeover)
		if err != nil {
			return xerrors.Errorf("takeover: %w", err)
		}
		// The inherited fd itself is consumed by a future FUSE-session
		// reinstall step once jacobsa/fuse exposes a mount-from-fd entry
		// point; for now record it closed to avoid leaking it, and still
		// drive the state machine through the handshake.
		os.NewFile(uintptr(fd), "inherited-fuse").Close()
		if err := d.Takeover(ctx, *takeover, fd, opaque); err != nil {
			return xerrors.Errorf("takeover event: %w", err)
		}
		if err := d.Successful(ctx); err != nil {
			return xerrors.Errorf("successful event: %w", err)
		}
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return xerrors.Errorf("listen %s: %w", *listen, err)
	}
	log.Printf("control plane listening on %s", ln.Addr())

	srv := &http.Server{Handler: control.NewMux(d, counters, setLevel)}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		if d.State() == daemon.Running {
			if err := d.Exit(context.Background()); err != nil {
				log.Printf("exit event: %v", err)
			}
		}
		if d.State() == daemon.Interrupted || d.State() == daemon.Running {
			if err := d.Stop(context.Background()); err != nil {
				log.Printf("stop event: %v", err)
			}
		}
		srv.Shutdown(context.Background())
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	stopRun()
	<-done
	return nil
}

const mountHelp = `crofsd mount [-flags] <bootstrap> <mountpoint>

Mount a crofs bootstrap once and block until interrupted, without a
control plane.
`

func cmdMount(ctx context.Context, args []string) error {
	join, err := fs.Mount(ctx, args)
	if err != nil {
		return err
	}
	return join(ctx)
}

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	verbs := map[string]cmd{
		"mount":  {cmdMount},
		"daemon": {cmdDaemon},
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "syntax: crofsd <mount|daemon> [options]")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintln(os.Stderr, "syntax: crofsd <mount|daemon> [options]")
		os.Exit(2)
	}

	ctx, canc := crofs.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, rest); err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	return crofs.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
