package socket

import (
	"context"
	"net"
)

// DialSocket dials the UNIX-domain control socket at path.
func DialSocket(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
