package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dom "dnspick/internal/domain"
)

// ThroughputProber measures sustained transfer rates against one address.
type ThroughputProber interface {
	Measure(ctx context.Context, addr string) []dom.ProbeSample
}

// NetProber opens Connections parallel TCP and/or UDP streams per direction
// for Duration, moving ChunkSize chunks, and emits one sample per
// (protocol, direction). A sample whose total falls under MinValidData is
// recorded as failed: the connections stalled almost immediately.
type NetProber struct {
	Port         int
	Duration     time.Duration
	Connections  int
	ChunkSize    int
	Proto        string // tcp | udp | both
	Download     bool
	Upload       bool
	MinValidData int64
	DialTimeout  time.Duration
}

func (p *NetProber) protocols() []string {
	switch p.Proto {
	case "both":
		return []string{"tcp", "udp"}
	case "udp":
		return []string{"udp"}
	default:
		return []string{"tcp"}
	}
}

func (p *NetProber) Measure(ctx context.Context, addr string) []dom.ProbeSample {
	var samples []dom.ProbeSample
	for _, proto := range p.protocols() {
		if p.Download {
			samples = append(samples, p.run(ctx, proto, addr, dom.ProbeDownload))
		}
		if p.Upload {
			samples = append(samples, p.run(ctx, proto, addr, dom.ProbeUpload))
		}
	}
	return samples
}

func (p *NetProber) run(ctx context.Context, proto, addr string, kind dom.ProbeKind) dom.ProbeSample {
	deadline := time.Now().Add(p.Duration)
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < p.Connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := p.transfer(cctx, proto, addr, kind, deadline)
			total.Add(n)
		}()
	}
	wg.Wait()

	s := dom.ProbeSample{Address: addr, Kind: kind, Elapsed: p.Duration}
	if total.Load() >= p.MinValidData {
		s.Bytes = total.Load()
	} else {
		// stalled; keep it as a failed sample
		s.Bytes = 0
		s.Elapsed = 0
	}
	return s
}

// transfer moves bytes on one connection until the deadline and returns the
// byte count. Any connection-level error just ends this stream.
func (p *NetProber) transfer(ctx context.Context, proto, addr string, kind dom.ProbeKind, deadline time.Time) int64 {
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, proto, net.JoinHostPort(addr, fmt.Sprintf("%d", p.Port)))
	if err != nil {
		return 0
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	if kind == dom.ProbeUpload {
		return uploadLoop(conn, p.ChunkSize, deadline)
	}
	return downloadLoop(conn, addr, proto, p.ChunkSize, deadline)
}

func uploadLoop(conn net.Conn, chunk int, deadline time.Time) int64 {
	buf := make([]byte, chunk)
	var total int64
	for time.Now().Before(deadline) {
		n, err := conn.Write(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}
	return total
}

func downloadLoop(conn net.Conn, addr, proto string, chunk int, deadline time.Time) int64 {
	// ask for something; over TCP a plain HTTP request makes most hosts talk
	if proto == "tcp" {
		req := strings.Join([]string{
			"GET / HTTP/1.1",
			"Host: " + addr,
			"User-Agent: dnspick/1.0",
			"Cache-Control: no-cache",
			"Connection: keep-alive",
			"", "",
		}, "\r\n")
		if _, err := conn.Write([]byte(req)); err != nil {
			return 0
		}
	} else {
		if _, err := conn.Write(make([]byte, chunk)); err != nil {
			return 0
		}
	}

	buf := make([]byte, 256<<10)
	var total int64
	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}
	return total
}
