// Package daemon implements the crofsd lifecycle state machine: the
// sequence a mount daemon moves through from cold start or hot takeover to a
// running mount, and back down again on interrupt or shutdown. It plays the
// role the nydus api/http and daemon crates play together in the original —
// one small event loop that every control-plane request and every FUSE
// session event funnels through, so "what is this daemon allowed to do right
// now" has exactly one answer.
package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/crofs/crofs/internal/crofserr"
)

// State is one node of the daemon lifecycle.
type State int

const (
	Init State = iota
	Running
	Upgrading
	Interrupted
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Running:
		return "running"
	case Upgrading:
		return "upgrading"
	case Interrupted:
		return "interrupted"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one request submitted to the state machine.
type Event int

const (
	EventMount Event = iota
	EventTakeover
	EventSuccessful
	EventExit
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventMount:
		return "mount"
	case EventTakeover:
		return "takeover"
	case EventSuccessful:
		return "successful"
	case EventExit:
		return "exit"
	case EventStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Opaque is the versioned state a daemon hands its successor during a hot
// takeover, carried alongside the FUSE fd over the takeover socket.
type Opaque struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	OptionBits  uint32 `json:"option_bits"`
	WorkerCount int    `json:"worker_count"`
}

// MountRequest describes the filesystem a daemon is asked to mount, the
// payload of both the Mount event and the control plane's PUT /mount.
type MountRequest struct {
	Source     string            `json:"source"`
	FSType     string            `json:"fstype"`
	Mountpoint string            `json:"mountpoint"`
	Config     map[string]string `json:"config"`
	Ops        string            `json:"ops"` // "mount" or "umount"
}

// MountFn mounts req and is expected to block until the session is
// joinable; Daemon calls it only from the Init+Mount transition, whatever
// req.Ops says. StartWorkersFn starts the worker pool
// that serves FUSE requests once a session (fresh or inherited) is live.
type MountFn func(ctx context.Context, req MountRequest) (join func(context.Context) error, unmount func() error, err error)
type StartWorkersFn func(ctx context.Context, count int) error

// command is one synchronous request submitted to the run loop.
type command struct {
	event  Event
	mount  MountRequest
	opaque Opaque
	fd     int
	reply  chan error
}

// Daemon runs the lifecycle state machine on a dedicated goroutine, serving
// one command at a time off a single-consumer channel. All exported methods
// are safe to call concurrently; they block until the run loop has applied
// (or rejected) the transition.
type Daemon struct {
	ID      string
	Version string

	MountFn        MountFn
	StartWorkersFn StartWorkersFn

	cmdCh chan command

	mu         sync.Mutex
	state      State
	supervisor string // socket path we took over from, if any

	join    func(context.Context) error
	unmount func() error

	killCh chan struct{}
	done   chan struct{}
}

// New creates a Daemon in the Init state. Run must be called to start
// serving events.
func New(id, version string) *Daemon {
	return &Daemon{
		ID:      id,
		Version: version,
		cmdCh:   make(chan command),
		state:   Init,
		killCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the daemon's current state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run serves commands until ctx is done or Stop has driven the daemon to
// Stopped, whichever happens first. It must run on its own goroutine; the
// exported event methods are how every other goroutine talks to it.
func (d *Daemon) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmdCh:
			err := d.handle(ctx, cmd)
			cmd.reply <- err
			if d.State() == Stopped {
				return
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Daemon) Wait() { <-d.done }

func (d *Daemon) submit(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case d.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return crofserr.New(crofserr.InvalidState, "daemon.submit", d.ID, fmt.Errorf("run loop exited"))
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mount drives Init+Mount -> Running, mounting req via MountFn and starting
// the worker pool.
func (d *Daemon) Mount(ctx context.Context, req MountRequest) error {
	return d.submit(ctx, command{event: EventMount, mount: req})
}

// Takeover drives Init+Takeover -> Upgrading, adopting an inherited FUSE fd
// and opaque state received from a running supervisor.
func (d *Daemon) Takeover(ctx context.Context, supervisorSocket string, fd int, opaque Opaque) error {
	return d.submit(ctx, command{event: EventTakeover, fd: fd, opaque: opaque, mount: MountRequest{Source: supervisorSocket}})
}

// Successful drives Upgrading+Successful -> Running, starting the worker
// pool against the inherited session.
func (d *Daemon) Successful(ctx context.Context) error {
	return d.submit(ctx, command{event: EventSuccessful})
}

// Exit drives Running+Exit -> Interrupted: KillCh is closed and the state
// changes at once; the run loop does not wait for workers to finish. The
// FUSE session itself is left mounted for a successor to take over.
func (d *Daemon) Exit(ctx context.Context) error {
	return d.submit(ctx, command{event: EventExit})
}

// Stop drives {Running,Interrupted}+Stop -> Stopped: unmount and close the
// session for good.
func (d *Daemon) Stop(ctx context.Context) error {
	return d.submit(ctx, command{event: EventStop})
}

// handle applies one event against the current state, following the
// lifecycle transition table exactly: Init+Mount, Init+Takeover,
// Upgrading+Successful, Running+Exit, Running+Stop, Interrupted+Stop. Any
// other (state, event) pair is rejected and the state is left untouched.
func (d *Daemon) handle(ctx context.Context, cmd command) error {
	d.mu.Lock()
	cur := d.state
	d.mu.Unlock()

	switch {
	case cur == Init && cmd.event == EventMount:
		return d.doMount(ctx, cmd.mount)
	case cur == Init && cmd.event == EventTakeover:
		return d.doTakeover(ctx, cmd)
	case cur == Upgrading && cmd.event == EventSuccessful:
		return d.doSuccessful(ctx)
	case cur == Running && cmd.event == EventExit:
		return d.doExit()
	case cur == Running && cmd.event == EventStop:
		return d.doStop()
	case cur == Interrupted && cmd.event == EventStop:
		return d.doStop()
	default:
		return crofserr.New(crofserr.InvalidState, "daemon.handle", d.ID,
			fmt.Errorf("event %s invalid in state %s", cmd.event, cur))
	}
}

func (d *Daemon) doMount(ctx context.Context, req MountRequest) error {
	if d.MountFn == nil {
		return crofserr.New(crofserr.NotReady, "daemon.mount", d.ID, fmt.Errorf("no mount function configured"))
	}
	join, unmount, err := d.MountFn(ctx, req)
	if err != nil {
		return crofserr.Wrap("daemon.mount", err)
	}
	if d.StartWorkersFn != nil {
		if err := d.StartWorkersFn(ctx, 1); err != nil {
			return crofserr.Wrap("daemon.mount.start_workers", err)
		}
	}
	d.mu.Lock()
	d.join, d.unmount = join, unmount
	d.state = Running
	d.mu.Unlock()
	return nil
}

func (d *Daemon) doTakeover(ctx context.Context, cmd command) error {
	d.mu.Lock()
	d.supervisor = cmd.mount.Source
	d.state = Upgrading
	d.mu.Unlock()
	return nil
}

func (d *Daemon) doSuccessful(ctx context.Context) error {
	if d.StartWorkersFn != nil {
		if err := d.StartWorkersFn(ctx, 1); err != nil {
			return crofserr.Wrap("daemon.successful.start_workers", err)
		}
	}
	d.mu.Lock()
	d.state = Running
	d.mu.Unlock()
	return nil
}

func (d *Daemon) doExit() error {
	close(d.killCh)
	d.mu.Lock()
	d.state = Interrupted
	d.mu.Unlock()
	return nil
}

func (d *Daemon) doStop() error {
	d.mu.Lock()
	unmount := d.unmount
	d.state = Stopped
	d.mu.Unlock()
	if unmount != nil {
		return unmount()
	}
	return nil
}

// KillCh is closed when Exit fires, the signal a worker pool waits on to
// stop pulling new FUSE ops without tearing down the session itself.
func (d *Daemon) KillCh() <-chan struct{} { return d.killCh }

// Supervisor returns the socket path this daemon took over from, empty if
// it started cold.
func (d *Daemon) Supervisor() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supervisor
}
