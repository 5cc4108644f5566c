package funksiyachi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floss-uz-community/funksiyachi/pkg/flow"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "test-ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

// generateLeaf issues a server certificate valid for 127.0.0.1 only,
// with no DNS name at all.
func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testPKI returns a server TLS config signed by a fresh CA, and a pool
// trusting that CA.
func testPKI(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	caKey := generateKeyPair(t)
	leafKey := generateKeyPair(t)

	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafDER := generateLeaf(t, ca, caKey, leafKey, "test-server")
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	return serverTLSConfig(tls.Certificate{
		Certificate: [][]byte{leafDER},
		Leaf:        leaf,
		PrivateKey:  leafKey,
	}), pool
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

type echoArgs struct {
	Text string `cbor:"text"`
}

type echoReply struct {
	Text string `cbor:"text"`
}

// startServer serves a small echo service on an ephemeral loopback port.
func startServer(t *testing.T, tlsConf *tls.Config, opts ...Option) (*Server, int) {
	t.Helper()
	if tlsConf == nil {
		var err error
		tlsConf, err = LoopbackServerTLSConfig()
		require.NoError(t, err)
	}

	opts = append([]Option{WithLog(testLogHandler("server"))}, opts...)
	srv, err := Listen("127.0.0.1:0", tlsConf, opts...)
	require.NoError(t, err)

	srv.Handle("Echo.Upper", func(_ context.Context, req *Request) (any, error) {
		var args echoArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return echoReply{Text: strings.ToUpper(args.Text)}, nil
	})
	srv.Handle("Echo.Fail", func(context.Context, *Request) (any, error) {
		return nil, errors.New("boom")
	})
	srv.Handle("Echo.Slow", func(ctx context.Context, _ *Request) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return echoReply{Text: "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown())
		cancel()
		require.ErrorIs(t, <-served, ErrShutdown)
	})

	return srv, srv.Addr().(*net.UDPAddr).Port
}

func dialTimeout(t *testing.T, target string, opts ...Option) (*Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts = append([]Option{WithLog(testLogHandler("client"))}, opts...)
	return Dial(ctx, target, opts...)
}

func counterSum(sink *metrics.InmemSink, name string) float64 {
	var sum float64
	for _, intv := range sink.Data() {
		intv.RLock()
		for _, c := range intv.Counters {
			if c.Name == name {
				sum += c.Sum
			}
		}
		intv.RUnlock()
	}
	return sum
}

func TestDialLoopback(t *testing.T) {
	serverMetrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	_, port := startServer(t, nil, WithMetricSink(serverMetrics))

	for _, host := range []string{"localhost", "127.0.0.1"} {
		t.Run(host, func(t *testing.T) {
			clientMetrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
			client, err := dialTimeout(t, fmt.Sprintf("%s:%d", host, port), WithMetricSink(clientMetrics))
			require.NoError(t, err)
			defer client.Close()

			var reply echoReply
			err = client.Call(context.Background(), "Echo.Upper", echoArgs{Text: "salom"}, &reply)
			require.NoError(t, err)
			require.Equal(t, "SALOM", reply.Text)

			require.Equal(t, float64(1), counterSum(clientMetrics, "funksiyachi.dial.count"))
			require.Equal(t, float64(1), counterSum(clientMetrics, "funksiyachi.client.call.count"))
			require.Zero(t, counterSum(clientMetrics, "funksiyachi.dial.error.count"))
		})
	}

	require.Equal(t, float64(2), counterSum(serverMetrics, "funksiyachi.server.request.count"))
}

func TestDialHostnameBypassIsLoopbackOnly(t *testing.T) {
	_, port := startServer(t, nil)

	t.Run("localhost.localdomain goes through the system roots", func(t *testing.T) {
		_, err := dialTimeout(t, fmt.Sprintf("localhost.localdomain:%d", port))
		require.ErrorIs(t, err, ErrTLSHandshake)
	})

	t.Run("embedded policy still checks the chain", func(t *testing.T) {
		_, otherRoots := testPKI(t)
		_, err := dialTimeout(t, fmt.Sprintf("localhost:%d", port), WithEmbeddedRoots(otherRoots))
		require.ErrorIs(t, err, ErrTLSHandshake)
	})
}

func TestDialEmbeddedAcceptsAnyHostname(t *testing.T) {
	// the leaf only names 127.0.0.1, never "localhost".
	tlsConf, roots := testPKI(t)
	_, port := startServer(t, tlsConf)

	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", port), WithEmbeddedRoots(roots))
	require.NoError(t, err)
	defer client.Close()

	var reply echoReply
	require.NoError(t, client.Call(context.Background(), "Echo.Upper", echoArgs{Text: "ok"}, &reply))
	require.Equal(t, "OK", reply.Text)
}

func TestDialErrors(t *testing.T) {
	t.Run("invalid address", func(t *testing.T) {
		sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
		_, err := dialTimeout(t, "no-port-here", WithMetricSink(sink))
		require.ErrorIs(t, err, ErrInvalidAddress)
		require.Equal(t, float64(1), counterSum(sink, "funksiyachi.dial.error.count"))
	})

	t.Run("unresolved host", func(t *testing.T) {
		resolver := &fakeResolver{err: errors.New("no such host")}
		_, err := dialTimeout(t, "api.example.com:443", WithResolver(resolver))
		require.ErrorIs(t, err, ErrUnresolvedHost)
	})

	t.Run("handshake timeout", func(t *testing.T) {
		// a socket nobody reads from never answers the handshake.
		silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		defer silent.Close()

		_, err = dialTimeout(t,
			fmt.Sprintf("127.0.0.1:%d", silent.LocalAddr().(*net.UDPAddr).Port),
			WithHandshakeTimeout(300*time.Millisecond),
		)
		require.ErrorIs(t, err, ErrHandshakeTimeout)
	})

	t.Run("invalid option", func(t *testing.T) {
		_, err := dialTimeout(t, "localhost:1", WithMaxFrameSize(-1))
		require.ErrorIs(t, err, ErrInvalidCfg)
	})
}

func TestClientCall(t *testing.T) {
	_, port := startServer(t, nil)

	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", port))
	require.NoError(t, err)
	defer client.Close()

	t.Run("server error", func(t *testing.T) {
		err := client.Call(context.Background(), "Echo.Fail", nil, nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, "Echo.Fail", remote.Method)
		require.Equal(t, "boom", remote.Message)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := client.Call(context.Background(), "Echo.Nope", nil, nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		require.Contains(t, remote.Message, "unknown method")
	})

	t.Run("context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := client.Call(ctx, "Echo.Slow", nil, nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// the late answer is dropped and the client keeps working.
		var reply echoReply
		require.NoError(t, client.Call(context.Background(), "Echo.Upper", echoArgs{Text: "still"}, &reply))
		require.Equal(t, "STILL", reply.Text)
	})

	t.Run("concurrent calls are multiplexed", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 32)
		for i := 0; i < 32; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				text := fmt.Sprintf("call-%d", i)
				var reply echoReply
				if err := client.Call(context.Background(), "Echo.Upper", echoArgs{Text: text}, &reply); err != nil {
					errs <- err
					return
				}
				if reply.Text != strings.ToUpper(text) {
					errs <- fmt.Errorf("got %q for %q", reply.Text, text)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})
}

func TestClientClose(t *testing.T) {
	_, port := startServer(t, nil)

	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", port))
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "closing twice is a no-op")

	err = client.Call(context.Background(), "Echo.Upper", echoArgs{Text: "x"}, nil)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClientCloseWithStalledPeer(t *testing.T) {
	tlsConf, err := LoopbackServerTLSConfig()
	require.NoError(t, err)
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, nil)
	require.NoError(t, err)
	defer ln.Close()

	// the peer accepts the stream and never reads from it.
	accepted := make(chan quic.Stream, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		accepted <- stream
	}()

	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", ln.Addr().(*net.UDPAddr).Port))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = client.Call(ctx, "Echo.Upper", echoArgs{Text: strings.Repeat("x", 4<<20)}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("the peer never saw the stream")
	}

	closed := make(chan error, 1)
	go func() {
		closed <- client.Close()
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a peer that stopped reading")
	}
	require.ErrorIs(t, client.Err(), ErrClientClosed)
}

func TestFrameLimit(t *testing.T) {
	srv, port := startServer(t, nil, WithMaxFrameSize(1024))
	srv.Handle("Echo.Big", func(context.Context, *Request) (any, error) {
		return echoReply{Text: strings.Repeat("x", 4096)}, nil
	})

	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", port), WithMaxFrameSize(1024), WithMetricSink(sink))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stillWorks := func(t *testing.T) {
		t.Helper()
		var reply echoReply
		require.NoError(t, client.Call(ctx, "Echo.Upper", echoArgs{Text: "small"}, &reply))
		require.Equal(t, "SMALL", reply.Text)
	}

	t.Run("oversized request only fails its call", func(t *testing.T) {
		err := client.Call(ctx, "Echo.Upper", echoArgs{Text: strings.Repeat("a", 4096)}, nil)
		require.ErrorIs(t, err, flow.ErrTooLargeFrame)
		require.NoError(t, client.Err())
		require.Equal(t, float64(1), counterSum(sink, "funksiyachi.client.call.error.count"))
		stillWorks(t)
	})

	t.Run("oversized result is answered as an error", func(t *testing.T) {
		err := client.Call(ctx, "Echo.Big", nil, nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		require.Contains(t, remote.Message, "frame exceeds the maximum size")
		stillWorks(t)
	})
}

func TestServerBoundsInflightRequests(t *testing.T) {
	srv, port := startServer(t, nil, WithMaxInflightRequests(1))

	var running, peak atomic.Int32
	srv.Handle("Echo.Track", func(context.Context, *Request) (any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})

	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", port))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Call(ctx, "Echo.Track", nil, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), peak.Load())

	tlsConf, err := LoopbackServerTLSConfig()
	require.NoError(t, err)
	_, err = Listen("127.0.0.1:0", tlsConf, WithMaxInflightRequests(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestServerShutdownFailsClients(t *testing.T) {
	tlsConf, err := LoopbackServerTLSConfig()
	require.NoError(t, err)

	srv, err := Listen("127.0.0.1:0", tlsConf, WithLog(testLogHandler("server")))
	require.NoError(t, err)
	go srv.Serve(context.Background())

	client, err := dialTimeout(t, fmt.Sprintf("localhost:%d", srv.Addr().(*net.UDPAddr).Port))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, srv.Shutdown())
	require.NoError(t, srv.Shutdown(), "shutting down twice is a no-op")

	require.Eventually(t, func() bool {
		return client.Err() != nil
	}, 5*time.Second, 10*time.Millisecond)

	err = client.Call(context.Background(), "Echo.Upper", nil, nil)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestListenRequiresTLS(t *testing.T) {
	_, err := Listen("127.0.0.1:0", nil)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}
