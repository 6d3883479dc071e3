package daemon

import (
	"encoding/json"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// maxOpaqueSize bounds the JSON control message sent alongside the FUSE fd;
// large enough for an Opaque with a generous ID, small enough to reject a
// confused peer writing something else onto the socket.
const maxOpaqueSize = 4096

// sendFD writes exactly one file descriptor plus its JSON-encoded opaque
// companion over conn, the supervisor side of a hot takeover.
func sendFD(conn *net.UnixConn, fd int, opaque Opaque) error {
	body, err := json.Marshal(opaque)
	if err != nil {
		return fmt.Errorf("takeover: marshal opaque: %w", err)
	}
	rights := unix.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix(body, rights, nil)
	if err != nil {
		return fmt.Errorf("takeover: sendmsg: %w", err)
	}
	if n != len(body) || oobn != len(rights) {
		return fmt.Errorf("takeover: short sendmsg (%d/%d bytes, %d/%d oob)", n, len(body), oobn, len(rights))
	}
	return nil
}

// recvFD reads one message off conn, the taking-over daemon's side, and
// requires that it carries exactly one file descriptor; anything else is a
// protocol violation and the message is rejected outright.
func recvFD(conn *net.UnixConn) (int, Opaque, error) {
	body := make([]byte, maxOpaqueSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(body, oob)
	if err != nil {
		return -1, Opaque{}, fmt.Errorf("takeover: recvmsg: %w", err)
	}

	var opaque Opaque
	if err := json.Unmarshal(body[:n], &opaque); err != nil {
		return -1, Opaque{}, fmt.Errorf("takeover: unmarshal opaque: %w", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, Opaque{}, fmt.Errorf("takeover: parse control message: %w", err)
	}
	if len(scms) != 1 {
		return -1, Opaque{}, fmt.Errorf("takeover: got %d control messages, want 1", len(scms))
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return -1, Opaque{}, fmt.Errorf("takeover: parse rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, Opaque{}, fmt.Errorf("takeover: got %d fds, want exactly 1", len(fds))
	}
	return fds[0], opaque, nil
}

// ServeFD accepts a single connection on the listener bound to socketPath,
// hands fd and opaque to the connecting successor, and closes both the
// connection and the listener. It is the supervisor side of one hot
// takeover handshake — a fresh listener per handover, not a long-lived
// server, matching the one-shot rendezvous the lifecycle design calls for.
func ServeFD(socketPath string, fd int, opaque Opaque) error {
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("takeover: listen %s: %w", socketPath, err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("takeover: accept: %w", err)
	}
	defer conn.Close()

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("takeover: not a unix socket connection")
	}
	return sendFD(uconn, fd, opaque)
}

// DialAndReceiveFD connects to a running supervisor's takeover socket and
// receives the inherited FUSE fd plus opaque state, the successor side of
// one hot takeover handshake.
func DialAndReceiveFD(socketPath string) (int, Opaque, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return -1, Opaque{}, fmt.Errorf("takeover: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return -1, Opaque{}, fmt.Errorf("takeover: not a unix socket connection")
	}
	return recvFD(uconn)
}
