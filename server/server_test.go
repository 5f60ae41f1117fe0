// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end tests over real loopback sockets.

package server_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-ipc/affinity"
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/client"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/fake"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitFor = 3 * time.Second

// verifyNone checks for leaked goroutines. The admission limiter's cleanup
// worker outlives the server until its categories expire.
func verifyNone(t *testing.T) {
	t.Helper()
	goleak.VerifyNone(t, goleak.IgnoreAnyFunction("github.com/joeycumines/go-catrate.(*Limiter).worker"))
}

func testConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.Host = "127.0.0.1"
	return cfg
}

func startServer(t *testing.T, cfg *server.Config, proc api.Processor, opts ...server.ServerOption) (*server.Server, *control.Collector) {
	t.Helper()
	metrics := control.NewCollector()
	opts = append([]server.ServerOption{
		server.WithLogger(server.NewLogger(io.Discard, logiface.LevelTrace)),
		server.WithMetrics(metrics),
	}, opts...)
	srv, err := server.New(cfg, proc, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	return srv, metrics
}

func stopServer(t *testing.T, srv *server.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func dial(t *testing.T, srv *server.Server) *client.Conn {
	t.Helper()
	cfg := client.DefaultConfig(srv.Addr().String())
	cfg.ReadTimeout = waitFor
	cfg.WriteTimeout = waitFor
	c, err := client.Dial(context.Background(), cfg)
	require.NoError(t, err)
	return c
}

func dialRaw(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(waitFor)))
	return c
}

// expectEOF asserts the server closed the connection.
func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	buf := make([]byte, 64)
	for {
		_, err := c.Read(buf)
		if err != nil {
			assert.False(t, errors.Is(err, context.DeadlineExceeded) || isTimeout(err), "connection not closed: %v", err)
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestServer_HelloRoundTrip(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	srv, metrics := startServer(t, testConfig(), proc)
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	defer c.Close()
	_, err := c.Write([]byte{0x00, 0x00, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o'})
	require.NoError(t, err)

	resp, err := protocol.ReadFrame(c, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp))

	assert.Equal(t, []string{"hello"}, proc.Payloads())
	reqs := proc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, c.LocalAddr().String(), reqs[0].Remote)
	assert.Equal(t, uint64(1), reqs[0].ConnID)
	assert.Equal(t, uint64(1), metrics.Snapshot().ConnsAccepted)
}

func TestServer_PipelinedFramesInOneWrite(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	srv, _ := startServer(t, testConfig(), proc, server.WithHandlers(1))
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	defer c.Close()
	_, err := c.Write([]byte{0, 0, 0, 3, 'a', 'b', 'c', 0, 0, 0, 2, 'x', 'y'})
	require.NoError(t, err)

	first, err := protocol.ReadFrame(c, 0)
	require.NoError(t, err)
	second, err := protocol.ReadFrame(c, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(first))
	assert.Equal(t, "xy", string(second))
	assert.Equal(t, []string{"abc", "xy"}, proc.Payloads())
}

func TestServer_FrameSplitAcrossWrites(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	srv, _ := startServer(t, testConfig(), proc)
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	defer c.Close()
	frame, err := protocol.AppendFrame(nil, []byte("fragmented"))
	require.NoError(t, err)
	for i := range frame {
		_, err := c.Write(frame[i : i+1])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	resp, err := protocol.ReadFrame(c, 0)
	require.NoError(t, err)
	assert.Equal(t, "fragmented", string(resp))
	assert.Equal(t, 1, proc.Count())
}

func TestServer_LargeFrameSmallReadBuffer(t *testing.T) {
	defer verifyNone(t)

	cfg := testConfig()
	cfg.ReadBufferSize = 4096
	proc := fake.NewProcessor()
	srv, _ := startServer(t, cfg, proc)
	defer stopServer(t, srv)

	c := dial(t, srv)
	defer c.Close()

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	resp, err := c.Call(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, payload, resp)
}

func TestServer_ThreeHandlersThousandCalls(t *testing.T) {
	defer verifyNone(t)

	const conns, perConn = 4, 250
	proc := fake.NewProcessor()
	srv, metrics := startServer(t, testConfig(), proc, server.WithHandlers(3), server.WithReaders(2))
	defer stopServer(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		c := dial(t, srv)
		defer c.Close()
		wg.Add(2)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < perConn; j++ {
				assert.NoError(t, c.Send([]byte(fmt.Sprintf("call-%d", base+j))))
			}
		}(i * perConn)
		go func() {
			defer wg.Done()
			for j := 0; j < perConn; j++ {
				_, err := c.Receive()
				if !assert.NoError(t, err) {
					return
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, p := range proc.Payloads() {
		seen[p]++
	}
	require.Len(t, seen, conns*perConn)
	for p, n := range seen {
		assert.Equal(t, 1, n, "%s processed %d times", p, n)
	}
	snap := metrics.Snapshot()
	assert.Equal(t, uint64(conns*perConn), snap.CallsDone)
	assert.LessOrEqual(t, snap.MaxQueueDepth, int64(10))
}

func TestServer_CloseMidFrameEmitsNoCall(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	srv, metrics := startServer(t, testConfig(), proc)
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	_, err := c.Write([]byte{0, 0, 0, 10, 'p', 'a', 'r'})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return metrics.Snapshot().ConnsClosed == 1
	}, waitFor, 5*time.Millisecond)
	assert.Zero(t, proc.Count())
	assert.Zero(t, metrics.Snapshot().CallsQueued)
	assert.Eventually(t, func() bool {
		return srv.DumpState()["reader_connections"].([]int)[0] == 0
	}, waitFor, 5*time.Millisecond)
}

func TestServer_ConnectionCloseIsIdempotent(t *testing.T) {
	defer verifyNone(t)

	closes := make(chan [2]error, 1)
	proc := fake.NewProcessor()
	proc.Reply = func(_ context.Context, _ []byte, conn api.ConnInfo) ([]byte, error) {
		sc := conn.(*server.Connection)
		first := sc.Close()
		second := sc.Close()
		closes <- [2]error{first, second}
		assert.Equal(t, api.StateClosed, sc.State())
		return []byte("too late"), nil
	}
	srv, metrics := startServer(t, testConfig(), proc)
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	defer c.Close()
	require.NoError(t, protocol.WriteFrame(c, []byte("close me")))

	errs := <-closes
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	expectEOF(t, c)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().ConnsClosed == 1
	}, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(1), metrics.Snapshot().ConnsClosed)
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	defer verifyNone(t)

	cfg := testConfig()
	cfg.MaxFrameSize = 16
	proc := fake.NewProcessor()
	srv, metrics := startServer(t, cfg, proc)
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	defer c.Close()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 17)
	_, err := c.Write(hdr[:])
	require.NoError(t, err)

	expectEOF(t, c)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().FramesRejected == 1
	}, waitFor, 5*time.Millisecond)
	assert.Zero(t, proc.Count())
}

func TestServer_IdleEviction(t *testing.T) {
	defer verifyNone(t)

	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	proc := fake.NewProcessor()
	srv, metrics := startServer(t, cfg, proc, server.WithIdleTimeout(100*time.Millisecond))
	defer stopServer(t, srv)

	active := dial(t, srv)
	defer active.Close()
	idle := dialRaw(t, srv)
	defer idle.Close()

	// keep one connection busy past the timeout
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := active.Call(context.Background(), []byte("ping"))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	expectEOF(t, idle)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().ConnsEvicted == 1
	}, waitFor, 5*time.Millisecond)

	resp, err := active.Call(context.Background(), []byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, "still here", string(resp))
}

func TestServer_ErrorEncoder(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	proc.Reply = func(_ context.Context, p []byte, _ api.ConnInfo) ([]byte, error) {
		switch string(p) {
		case "bad":
			return nil, errors.New("bad request")
		case "panic":
			panic("boom")
		}
		return p, nil
	}
	srv, metrics := startServer(t, testConfig(), proc, server.WithErrorEncoder(func(err error) []byte {
		return []byte("ERR " + err.Error())
	}))
	defer stopServer(t, srv)

	c := dial(t, srv)
	defer c.Close()
	ctx := context.Background()

	resp, err := c.Call(ctx, []byte("bad"))
	require.NoError(t, err)
	assert.Equal(t, "ERR bad request", string(resp))

	resp, err = c.Call(ctx, []byte("panic"))
	require.NoError(t, err)
	assert.Equal(t, "ERR processor panicked: boom", string(resp))

	resp, err = c.Call(ctx, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp))

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(3), snap.CallsDone)
	assert.Equal(t, uint64(2), snap.CallsFailed)
}

func TestServer_ErrorWithoutEncoderClosesConnection(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	proc.Reply = func(context.Context, []byte, api.ConnInfo) ([]byte, error) {
		return nil, errors.New("nope")
	}
	srv, _ := startServer(t, testConfig(), proc)
	defer stopServer(t, srv)

	c := dialRaw(t, srv)
	defer c.Close()
	require.NoError(t, protocol.WriteFrame(c, []byte("x")))
	expectEOF(t, c)
}

func TestServer_NilResponseWritesNothing(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	proc.Reply = func(_ context.Context, p []byte, _ api.ConnInfo) ([]byte, error) {
		if string(p) == "oneway" {
			return nil, nil
		}
		return p, nil
	}
	srv, _ := startServer(t, testConfig(), proc, server.WithHandlers(1))
	defer stopServer(t, srv)

	c := dial(t, srv)
	defer c.Close()
	require.NoError(t, c.Send([]byte("oneway")))
	resp, err := c.Call(context.Background(), []byte("echo"))
	require.NoError(t, err)
	assert.Equal(t, "echo", string(resp))
	assert.Equal(t, []string{"oneway", "echo"}, proc.Payloads())
}

func TestServer_AdmissionRateLimit(t *testing.T) {
	defer verifyNone(t)

	cfg := testConfig()
	cfg.AcceptRates = map[time.Duration]int{time.Minute: 2}
	proc := fake.NewProcessor()
	srv, metrics := startServer(t, cfg, proc)
	defer stopServer(t, srv)

	for i := 0; i < 2; i++ {
		c := dial(t, srv)
		resp, err := c.Call(context.Background(), []byte("in"))
		require.NoError(t, err)
		assert.Equal(t, "in", string(resp))
		c.Close()
	}

	rejected := dialRaw(t, srv)
	defer rejected.Close()
	expectEOF(t, rejected)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().ConnsRejected == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(2), metrics.Snapshot().ConnsAccepted)
}

func TestServer_RoundRobinAcrossReaders(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	srv, _ := startServer(t, testConfig(), proc, server.WithReaders(3))
	defer stopServer(t, srv)

	for i := 0; i < 6; i++ {
		c := dial(t, srv)
		defer c.Close()
		_, err := c.Call(context.Background(), []byte("hi"))
		require.NoError(t, err)
	}

	assert.Equal(t, []int{2, 2, 2}, srv.DumpState()["reader_connections"])
	ids := make(map[uint64]bool)
	for _, r := range proc.Requests() {
		ids[r.ConnID] = true
	}
	assert.Len(t, ids, 6)
}

func TestServer_ShutdownDrainsQueuedCalls(t *testing.T) {
	defer verifyNone(t)

	gate := make(chan struct{})
	proc := fake.NewProcessor()
	proc.Reply = func(context.Context, []byte, api.ConnInfo) ([]byte, error) {
		<-gate
		return nil, nil
	}
	srv, metrics := startServer(t, testConfig(), proc, server.WithHandlers(1))

	c := dial(t, srv)
	defer c.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send([]byte(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool {
		return metrics.Snapshot().CallsQueued == 5
	}, waitFor, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- srv.Shutdown(ctx)
	}()
	close(gate)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, proc.Payloads())
	assert.Equal(t, uint64(5), metrics.Snapshot().CallsDone)
}

func TestServer_ShutdownDeadlineCancelsProcessing(t *testing.T) {
	defer verifyNone(t)

	started := make(chan struct{})
	proc := fake.NewProcessor()
	proc.Reply = func(ctx context.Context, _ []byte, _ api.ConnInfo) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	srv, _ := startServer(t, testConfig(), proc)

	c := dial(t, srv)
	defer c.Close()
	require.NoError(t, c.Send([]byte("stuck")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-srv.Done():
	case <-time.After(waitFor):
		t.Fatal("teardown did not finish after cancellation")
	}
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestServer_Lifecycle(t *testing.T) {
	defer verifyNone(t)

	srv, err := server.New(testConfig(), fake.NewProcessor(), server.WithLogger(nil))
	require.NoError(t, err)
	assert.NotZero(t, srv.Addr().Port)

	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), api.ErrAlreadyStarted)

	ctx := context.Background()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, srv.Start(), api.ErrServerClosed)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	defer verifyNone(t)

	srv, err := server.New(testConfig(), fake.NewProcessor(), server.WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, srv.Start(), api.ErrServerClosed)
}

func TestServer_Run(t *testing.T) {
	defer verifyNone(t)

	proc := fake.NewProcessor()
	srv, err := server.New(testConfig(), proc, server.WithLogger(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	c := dial(t, srv)
	resp, err := c.Call(context.Background(), []byte("run"))
	require.NoError(t, err)
	assert.Equal(t, "run", string(resp))
	c.Close()

	cancel()
	require.NoError(t, <-done)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Readers = 0
	_, err := server.New(cfg, fake.NewProcessor())
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Readers", ce.Field)

	_, err = server.New(testConfig(), nil)
	assert.ErrorIs(t, err, api.ErrInvalidConfig)

	_, err = server.New(testConfig(), fake.NewProcessor(), server.WithCallQueueSize(-1))
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestNew_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	_, err = server.New(cfg, fake.NewProcessor(), server.WithLogger(nil))
	assert.Error(t, err)
}

func TestServer_DumpState(t *testing.T) {
	defer verifyNone(t)

	srv, _ := startServer(t, testConfig(), fake.NewProcessor(), server.WithReaders(2))
	defer stopServer(t, srv)
	srv.RegisterProbe("custom", func() any { return "value" })

	state := srv.DumpState()
	assert.Equal(t, srv.Addr().String(), state["addr"])
	assert.Equal(t, 10, state["call_queue_capacity"])
	assert.Equal(t, 0, state["call_queue_depth"])
	assert.Equal(t, []int{0, 0}, state["reader_connections"])
	assert.Equal(t, 2, state["handlers"])
	assert.Equal(t, "value", state["custom"])
	require.IsType(t, map[string]any{}, state["metrics"])
}

func TestServer_ReaderPinning(t *testing.T) {
	defer verifyNone(t)

	cpus, err := affinity.Current()
	if err != nil {
		t.Skipf("affinity unavailable: %v", err)
	}
	cfg := testConfig()
	cfg.ReaderCPUs = cpus[:1]
	srv, _ := startServer(t, cfg, fake.NewProcessor(), server.WithReaders(2))
	defer stopServer(t, srv)

	for i := 0; i < 2; i++ {
		c := dial(t, srv)
		defer c.Close()
		resp, err := c.Call(context.Background(), []byte("pinned"))
		require.NoError(t, err)
		assert.Equal(t, "pinned", string(resp))
	}
}
