package supervisor

import (
	"net"
	"os"
	"strings"
)

// Notify sends message to the service manager's notification socket named
// by NOTIFY_SOCKET, translating a leading "@" to the abstract-namespace
// NUL byte. It is a no-op when NOTIFY_SOCKET is unset. Errors are the
// caller's to log at debug level — notification failure is never fatal.
func Notify(message string) error {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		return nil
	}
	if strings.HasPrefix(sock, "@") {
		sock = "\x00" + sock[1:]
	}

	conn, err := net.Dial("unixgram", sock)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(message))
	return err
}

func (s *Supervisor) notify(message string) {
	if err := Notify(message); err != nil {
		s.logger.Debug().Err(err).Str("message", message).Msg("failed to notify service manager")
	}
}
