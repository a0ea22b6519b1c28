package controlsocket

import (
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Handler implements the daemon side of every control-socket command. The
// supervisor is the concrete implementation; Server only knows how to
// frame bytes and split a command line into arguments.
type Handler interface {
	Show(account string) (token, authURL string, err error)
	Refresh(account string) (authURL string, err error)
	Revoke(account string) error
	Reload() error
	Shutdown() error
	Dump() ([]byte, error)
	Restore(data []byte) error
	Info(jsonFormat bool) (string, error)
	Status() (string, error)
}

// Server accepts control-socket connections on a UNIX-domain listener.
type Server struct {
	logger  *zap.Logger
	handler Handler
	path    string
	ln      net.Listener
}

// Listen binds the UNIX-domain socket at path (removing a stale socket
// file left behind by an unclean shutdown) and returns a Server ready to
// Serve. The socket is created with 0600 permissions: pizauthd is a
// single-user daemon, so only its own user may connect.
func Listen(logger *zap.Logger, handler Handler, path string) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("controlsocket: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("controlsocket: chmod %s: %w", path, err)
	}
	return &Server{
		logger:  logger.Named("controlsocket"),
		handler: handler,
		path:    path,
		ln:      ln,
	}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() {
	s.ln.Close()
	_ = os.Remove(s.path)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if ok, uid, err := checkPeerUID(conn); err != nil {
		s.logger.Warn("peer credential check failed", zap.Error(err))
	} else if !ok {
		s.logger.Warn("rejecting connection from foreign uid", zap.Uint32("uid", uid))
		_ = WriteFrame(conn, []byte(errLine("permission denied")))
		return
	}

	line, err := ReadFrame(conn)
	if err != nil {
		s.logger.Debug("read request frame failed", zap.Error(err))
		return
	}

	resp, payload := s.dispatch(conn, string(line))
	if err := WriteFrame(conn, []byte(resp)); err != nil {
		s.logger.Debug("write response frame failed", zap.Error(err))
		return
	}
	if payload != nil {
		if err := WriteFrame(conn, payload); err != nil {
			s.logger.Debug("write response payload failed", zap.Error(err))
		}
	}
}

func (s *Server) dispatch(conn net.Conn, line string) (status string, payload []byte) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errLine("empty command"), nil
	}
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "show":
		return s.doShowOrRefresh(args, s.handler.Show)
	case "refresh":
		return s.doRefresh(args)
	case "revoke":
		if len(args) != 1 {
			return errLine("revoke requires exactly one account name"), nil
		}
		if err := s.handler.Revoke(args[0]); err != nil {
			return errLine(err.Error()), nil
		}
		return "OK", nil
	case "reload":
		if err := s.handler.Reload(); err != nil {
			return errLine(err.Error()), nil
		}
		return "OK", nil
	case "shutdown":
		if err := s.handler.Shutdown(); err != nil {
			return errLine(err.Error()), nil
		}
		return "OK", nil
	case "dump":
		data, err := s.handler.Dump()
		if err != nil {
			return errLine(err.Error()), nil
		}
		return "OK", data
	case "restore":
		data, err := ReadFrame(conn)
		if err != nil {
			return errLine("missing restore payload"), nil
		}
		if err := s.handler.Restore(data); err != nil {
			return errLine(err.Error()), nil
		}
		return "OK", nil
	case "info":
		jsonFormat := hasFlag(args, "-j")
		out, err := s.handler.Info(jsonFormat)
		if err != nil {
			return errLine(err.Error()), nil
		}
		return "OK " + out, nil
	case "status":
		out, err := s.handler.Status()
		if err != nil {
			return errLine(err.Error()), nil
		}
		return "OK " + out, nil
	default:
		return errLine("unknown command: " + cmd), nil
	}
}

func (s *Server) doShowOrRefresh(args []string, fn func(string) (string, string, error)) (string, []byte) {
	if len(args) == 0 {
		return errLine("show requires an account name"), nil
	}
	account := args[0]
	suppressURL := hasFlag(args[1:], "-u")

	token, authURL, err := fn(account)
	if err != nil {
		if authURL != "" && !suppressURL {
			return errLine("Token unavailable until authorised with URL " + authURL), nil
		}
		return errLine(err.Error()), nil
	}
	return "OK " + token, nil
}

func (s *Server) doRefresh(args []string) (string, []byte) {
	if len(args) == 0 {
		return errLine("refresh requires an account name"), nil
	}
	account := args[0]
	suppressURL := hasFlag(args[1:], "-u")

	authURL, err := s.handler.Refresh(account)
	if err != nil {
		if authURL != "" && !suppressURL {
			return errLine("Token unavailable until authorised with URL " + authURL), nil
		}
		return errLine(err.Error()), nil
	}
	return "OK", nil
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func errLine(msg string) string {
	return "ERROR " + msg
}
