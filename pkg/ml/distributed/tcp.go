// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// opConnect names the initial rendezvous in errors.
const opConnect = "Connect"

// dialRetryInterval is how long a replica waits before dialing the coordinator again.
var dialRetryInterval = 100 * time.Millisecond

// Messages exchanged between the replicas and the coordinator, encoded with gob.
type (
	tcpHello struct {
		Rank, WorldSize int
	}

	tcpWelcome struct {
		Err string
	}

	tcpRequest struct {
		Seq    uint64
		Op     string
		Values []float64
	}

	tcpResponse struct {
		Sum []float64

		// Desync is set if some replica issued a different collective. Expected and Got describe it.
		Desync        bool
		Expected, Got string
	}
)

type tcpPeer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newTCPPeer(conn net.Conn) *tcpPeer {
	return &tcpPeer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// TCPGroup is a CommGroup connecting replicas running in different processes, possibly on
// different machines.
//
// The replicas form a star around the coordinator (rank 0): in each collective every replica
// sends its values to the coordinator, which sums them in rank order and sends the result back.
//
// A TCPGroup must be used by only one goroutine.
type TCPGroup struct {
	rank, worldSize int
	timeout         time.Duration

	// peers holds the connections to the other replicas, indexed by rank, for the coordinator.
	// For the other replicas it holds only the connection to the coordinator.
	peers []*tcpPeer

	seq            uint64
	failed         error
	numCollectives int
}

var _ CommGroup = (*TCPGroup)(nil)

// TCPServer accepts the connections of the replicas on the coordinator.
type TCPServer struct {
	listener  net.Listener
	worldSize int
	timeout   time.Duration
}

// ListenTCP starts listening on addr for the other worldSize-1 replicas. Use Accept to wait for them.
// Use port 0 to pick any free port, and Addr to find out which.
func ListenTCP(addr string, worldSize int, timeout time.Duration) (*TCPServer, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("world size must be >= 1, got %d", worldSize)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening for replicas on %s", addr)
	}
	return &TCPServer{listener: listener, worldSize: worldSize, timeout: timeout}, nil
}

// Addr returns the address the coordinator is listening on.
func (s *TCPServer) Addr() string {
	return s.listener.Addr().String()
}

// Close stops listening. It's not needed after Accept.
func (s *TCPServer) Close() error {
	return s.listener.Close()
}

// Accept waits for all other replicas to connect, and returns the coordinator's group.
// It fails with CollectiveTimeoutError if they don't all connect within the timeout.
// The server stops listening when Accept returns.
func (s *TCPServer) Accept(ctx context.Context) (*TCPGroup, error) {
	defer func() { _ = s.listener.Close() }()
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if tl, ok := s.listener.(*net.TCPListener); ok {
		_ = tl.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	g := &TCPGroup{worldSize: s.worldSize, timeout: s.timeout, peers: make([]*tcpPeer, s.worldSize)}
	for connected := 1; connected < s.worldSize; {
		conn, err := s.listener.Accept()
		if err != nil {
			_ = g.Close()
			if ctx.Err() != nil {
				return nil, errors.Wrapf(ctx.Err(), "[rank=0] waiting for replicas")
			}
			if isTimeout(err) {
				return nil, &CollectiveTimeoutError{Rank: 0, Op: opConnect, Arrived: connected,
					WorldSize: s.worldSize, Timeout: s.timeout}
			}
			return nil, errors.Wrap(err, "[rank=0] accepting replica connection")
		}
		p := newTCPPeer(conn)
		_ = conn.SetDeadline(deadline)
		var hello tcpHello
		if err := p.dec.Decode(&hello); err != nil {
			klog.Warningf("[rank=0] dropping connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}
		var reason string
		switch {
		case hello.WorldSize != s.worldSize:
			reason = fmt.Sprintf("world size %d, expected %d", hello.WorldSize, s.worldSize)
		case hello.Rank < 1 || hello.Rank >= s.worldSize:
			reason = fmt.Sprintf("rank %d out of range for world size %d", hello.Rank, s.worldSize)
		case g.peers[hello.Rank] != nil:
			reason = fmt.Sprintf("rank %d already connected", hello.Rank)
		}
		if reason != "" {
			klog.Warningf("[rank=0] rejecting replica at %s: %s", conn.RemoteAddr(), reason)
			_ = p.enc.Encode(&tcpWelcome{Err: reason})
			_ = conn.Close()
			continue
		}
		klog.V(1).Infof("[rank=0] replica rank=%d connected from %s", hello.Rank, conn.RemoteAddr())
		g.peers[hello.Rank] = p
		connected++
	}
	for rank, p := range g.peers[1:] {
		if err := p.enc.Encode(&tcpWelcome{}); err != nil {
			_ = g.Close()
			return nil, errors.Wrapf(err, "[rank=0] welcoming replica rank=%d", rank+1)
		}
		_ = p.conn.SetDeadline(time.Time{})
	}
	return g, nil
}

// DialTCP connects replica rank to the coordinator listening on addr, retrying until the
// coordinator is up or the timeout expires.
func DialTCP(ctx context.Context, addr string, rank, worldSize int, timeout time.Duration) (*TCPGroup, error) {
	if rank < 1 || rank >= worldSize {
		return nil, errors.Errorf("rank %d can't dial a coordinator in a world of size %d", rank, worldSize)
	}
	var deadline time.Time
	dialCtx := ctx
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	connectTimeout := func() error {
		return &CollectiveTimeoutError{Rank: rank, Op: opConnect, Arrived: -1, WorldSize: worldSize, Timeout: timeout}
	}

	var dialer net.Dialer
	var conn net.Conn
	for {
		var err error
		conn, err = dialer.DialContext(dialCtx, "tcp", addr)
		if err == nil {
			break
		}
		if dialCtx.Err() != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrapf(ctx.Err(), "[rank=%d] dialing coordinator at %s", rank, addr)
			}
			return nil, connectTimeout()
		}
		klog.V(1).Infof("[rank=%d] coordinator at %s not ready: %v", rank, addr, err)
		select {
		case <-dialCtx.Done():
		case <-time.After(dialRetryInterval):
		}
	}

	p := newTCPPeer(conn)
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	fail := func(err error, msg string) (*TCPGroup, error) {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "[rank=%d] %s", rank, msg)
		}
		if isTimeout(err) {
			return nil, connectTimeout()
		}
		return nil, errors.Wrapf(err, "[rank=%d] %s", rank, msg)
	}
	if err := p.enc.Encode(&tcpHello{Rank: rank, WorldSize: worldSize}); err != nil {
		return fail(err, "greeting coordinator")
	}
	var welcome tcpWelcome
	if err := p.dec.Decode(&welcome); err != nil {
		return fail(err, "waiting for the other replicas")
	}
	if welcome.Err != "" {
		_ = conn.Close()
		return nil, errors.Errorf("[rank=%d] rejected by the coordinator at %s: %s", rank, addr, welcome.Err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &TCPGroup{rank: rank, worldSize: worldSize, timeout: timeout, peers: []*tcpPeer{p}}, nil
}

// ConnectTCP joins the group described by env: the coordinator listens on env.Addr() and the
// other replicas dial it. It returns once all replicas are connected.
func ConnectTCP(ctx context.Context, env Env, timeout time.Duration) (*TCPGroup, error) {
	if env.Rank != 0 {
		return DialTCP(ctx, env.Addr(), env.Rank, env.WorldSize, timeout)
	}
	server, err := ListenTCP(env.Addr(), env.WorldSize, timeout)
	if err != nil {
		return nil, err
	}
	klog.Infof("[rank=0] waiting for %d replicas on %s", env.WorldSize-1, server.Addr())
	return server.Accept(ctx)
}

// Rank implements CommGroup.
func (g *TCPGroup) Rank() int { return g.rank }

// WorldSize implements CommGroup.
func (g *TCPGroup) WorldSize() int { return g.worldSize }

// NumCollectives returns how many collectives this replica has issued.
func (g *TCPGroup) NumCollectives() int { return g.numCollectives }

// Close closes the connections. The group can't be used afterward.
func (g *TCPGroup) Close() error {
	var firstErr error
	for _, p := range g.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.failed == nil {
		g.failed = errors.Errorf("[rank=%d] group closed", g.rank)
	}
	return firstErr
}

// AllReduce implements CommGroup.
func (g *TCPGroup) AllReduce(ctx context.Context, values []float64) ([]float64, error) {
	return g.collective(ctx, opKey{op: opAllReduce, length: len(values)}, values)
}

// Barrier implements CommGroup.
func (g *TCPGroup) Barrier(ctx context.Context) error {
	_, err := g.collective(ctx, opKey{op: opBarrier}, nil)
	return err
}

func (g *TCPGroup) collective(ctx context.Context, key opKey, values []float64) ([]float64, error) {
	g.numCollectives++
	g.seq++
	seq := g.seq
	if g.failed != nil {
		return nil, g.failed
	}
	if err := ctx.Err(); err != nil {
		g.failed = errors.Wrapf(err, "[rank=%d] abandoned %s #%d", g.rank, key, seq)
		return nil, g.failed
	}
	if g.worldSize == 1 {
		if key.op == opAllReduce {
			return slices.Clone(values), nil
		}
		return nil, nil
	}

	var deadline time.Time
	if g.timeout > 0 {
		deadline = time.Now().Add(g.timeout)
	}
	for _, p := range g.peers {
		if p != nil {
			_ = p.conn.SetDeadline(deadline)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		for _, p := range g.peers {
			if p != nil {
				_ = p.conn.SetDeadline(time.Now())
			}
		}
	})
	defer stop()

	var (
		out []float64
		err error
	)
	if g.rank == 0 {
		out, err = g.coordinate(seq, key, values)
	} else {
		out, err = g.participate(seq, key, values)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "[rank=%d] abandoned %s #%d", g.rank, key, seq)
		}
		g.failed = err
		return nil, err
	}
	return out, nil
}

// coordinate gathers the values of every replica, in rank order, and sends back their sum.
func (g *TCPGroup) coordinate(seq uint64, key opKey, values []float64) ([]float64, error) {
	var sum []float64
	if key.op == opAllReduce {
		sum = slices.Clone(values)
	}
	var desync *DesyncError
	for rank := 1; rank < g.worldSize; rank++ {
		var req tcpRequest
		if err := g.peers[rank].dec.Decode(&req); err != nil {
			if isTimeout(err) {
				return nil, &CollectiveTimeoutError{Rank: 0, Op: key.String(), Seq: seq,
					Arrived: rank, WorldSize: g.worldSize, Timeout: g.timeout}
			}
			return nil, errors.Wrapf(err, "[rank=0] receiving %s #%d from rank %d", key, seq, rank)
		}
		got := opKey{op: req.Op}
		if req.Op == opAllReduce {
			got.length = len(req.Values)
		}
		if req.Seq != seq || got != key {
			if desync == nil {
				desync = &DesyncError{Rank: rank, Seq: seq, Expected: key.String(),
					Got: fmt.Sprintf("%s #%d", got, req.Seq)}
			}
			continue
		}
		if key.op == opAllReduce {
			floats.Add(sum, req.Values)
		}
	}

	resp := tcpResponse{Sum: sum}
	if desync != nil {
		resp = tcpResponse{Desync: true, Expected: desync.Expected, Got: desync.Got}
	}
	for rank := 1; rank < g.worldSize; rank++ {
		if err := g.peers[rank].enc.Encode(&resp); err != nil {
			return nil, errors.Wrapf(err, "[rank=0] sending %s #%d to rank %d", key, seq, rank)
		}
	}
	if desync != nil {
		return nil, desync
	}
	return sum, nil
}

// participate sends the values to the coordinator and waits for the sum.
func (g *TCPGroup) participate(seq uint64, key opKey, values []float64) ([]float64, error) {
	coordinator := g.peers[0]
	if err := coordinator.enc.Encode(&tcpRequest{Seq: seq, Op: key.op, Values: values}); err != nil {
		return nil, errors.Wrapf(err, "[rank=%d] sending %s #%d", g.rank, key, seq)
	}
	var resp tcpResponse
	if err := coordinator.dec.Decode(&resp); err != nil {
		if isTimeout(err) {
			return nil, &CollectiveTimeoutError{Rank: g.rank, Op: key.String(), Seq: seq,
				Arrived: -1, WorldSize: g.worldSize, Timeout: g.timeout}
		}
		return nil, errors.Wrapf(err, "[rank=%d] receiving result of %s #%d", g.rank, key, seq)
	}
	if resp.Desync {
		return nil, &DesyncError{Rank: g.rank, Seq: seq, Expected: resp.Expected, Got: resp.Got}
	}
	if key.op != opAllReduce {
		return nil, nil
	}
	if len(resp.Sum) != key.length {
		return nil, errors.Errorf("[rank=%d] %s #%d: coordinator returned %d values", g.rank, key, seq, len(resp.Sum))
	}
	return resp.Sum, nil
}
