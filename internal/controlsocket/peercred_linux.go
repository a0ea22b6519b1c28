//go:build linux

package controlsocket

import (
	"net"

	"golang.org/x/sys/unix"
)

// checkPeerUID verifies that the process on the other end of a UNIX-domain
// connection is running as the same user as the daemon, using SO_PEERCRED.
// The socket file's 0600 permissions already restrict who can connect;
// this is a second, kernel-verified check of the same property rather
// than a new one.
func checkPeerUID(conn net.Conn) (ok bool, peerUID uint32, err error) {
	uc, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return true, 0, nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false, 0, err
	}
	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return false, 0, ctrlErr
	}
	if sockErr != nil {
		return false, 0, sockErr
	}
	return cred.Uid == uint32(unix.Getuid()), cred.Uid, nil
}
