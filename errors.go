package funksiyachi

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("funksiyachi: invalid options")

	ErrInvalidAddress   = errors.New("dial: invalid server address, expected hostname:port or ip:port")
	ErrUnresolvedHost   = errors.New("dial: could not resolve hostname")
	ErrHandshakeTimeout = errors.New("dial: handshake timeout, check your network connection or firewall settings")
	ErrTLSHandshake     = errors.New("dial: TLS handshake error, the server may be down or its certificate is not trusted")
	ErrConnect          = errors.New("dial: failed to connect")
	ErrOpenStream       = errors.New("dial: failed to open stream")

	ErrClientClosed = errors.New("client: connection closed")

	ErrNoTLSConfig = errors.New("server: TLS config is required")
	ErrShutdown    = errors.New("server: shutting down")
	ErrListen      = errors.New("server: failed to listen")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrClientClosed = QuicApplicationError{
		Code:   0x5,
		Prefix: "client closed",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// RemoteError is returned by [Client.Call] when the server answered
// the request with an error.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %q: %s", e.Method, e.Message)
}
