package probe

import (
	"context"
	"net"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	dom "dnspick/internal/domain"
)

// Pinger measures round-trip times to one address. Implementations return a
// sample per probe; a lost probe is a sample with Lost set.
type Pinger interface {
	Ping(ctx context.Context, addr string, count int, timeout time.Duration, size int) []dom.ProbeSample
}

// DetectPinger returns the raw-socket pinger when the process can open ICMP
// sockets and the system-ping fallback otherwise. Missing privilege is not an
// error, just the fallback path.
func DetectPinger() Pinger {
	c, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return &SystemPinger{}
	}
	_ = c.Close()
	return &ICMPPinger{}
}

// ICMPPinger sends raw echo requests. IPv4 and IPv6 targets go through the
// matching protocol family.
type ICMPPinger struct{}

func (p *ICMPPinger) Ping(ctx context.Context, addr string, count int, timeout time.Duration, size int) []dom.ProbeSample {
	samples := make([]dom.ProbeSample, 0, count)
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		rtt, err := p.echo(addr, i, timeout, size)
		s := dom.ProbeSample{Address: addr, Kind: dom.ProbePing}
		if err != nil {
			s.Lost = true
		} else {
			s.RTT = rtt
		}
		samples = append(samples, s)
	}
	return samples
}

func (p *ICMPPinger) echo(addr string, seq int, timeout time.Duration, size int) (time.Duration, error) {
	ip := net.ParseIP(addr)
	v6 := ip != nil && ip.To4() == nil

	network, listen := "ip4:icmp", "0.0.0.0"
	proto := 1 // iana ProtocolICMP
	var typ icmp.Type = ipv4.ICMPTypeEcho
	if v6 {
		network, listen = "ip6:ipv6-icmp", "::"
		proto = 58 // iana ProtocolIPv6ICMP
		typ = ipv6.ICMPTypeEchoRequest
	}

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: typ,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: make([]byte, size),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, &net.IPAddr{IP: ip}); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(start.Add(timeout)); err != nil {
		return 0, err
	}

	reply := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(reply)
		if err != nil {
			return 0, err
		}
		rm, err := icmp.ParseMessage(proto, reply[:n])
		if err != nil {
			continue
		}
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue // someone else's reply
		}
		if peer.String() != addr {
			continue
		}
		return time.Since(start), nil
	}
}

// SystemPinger shells out to the platform ping utility and parses its output.
type SystemPinger struct{}

var pingTimeRe = regexp.MustCompile(`time[=<]([\d.]+)\s*ms`)

func (p *SystemPinger) Ping(ctx context.Context, addr string, count int, timeout time.Duration, size int) []dom.ProbeSample {
	out, _ := p.run(ctx, addr, count, timeout, size)
	rtts := ParsePingOutput(out)

	samples := make([]dom.ProbeSample, 0, count)
	for _, rtt := range rtts {
		if len(samples) == count {
			break
		}
		samples = append(samples, dom.ProbeSample{Address: addr, Kind: dom.ProbePing, RTT: rtt})
	}
	for len(samples) < count {
		samples = append(samples, dom.ProbeSample{Address: addr, Kind: dom.ProbePing, Lost: true})
	}
	return samples
}

func (p *SystemPinger) run(ctx context.Context, addr string, count int, timeout time.Duration, size int) (string, error) {
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}

	var args []string
	if runtime.GOOS == "windows" {
		args = []string{"-n", strconv.Itoa(count), "-w", strconv.Itoa(int(timeout / time.Millisecond)), "-l", strconv.Itoa(size), addr}
	} else {
		args = []string{"-c", strconv.Itoa(count), "-W", strconv.Itoa(secs), "-s", strconv.Itoa(size), addr}
	}

	// overall budget: per-probe timeout times count, plus slack
	cctx, cancel := context.WithTimeout(ctx, timeout*time.Duration(count)+5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(cctx, "ping", args...).CombinedOutput()
	return string(out), err
}

// ParsePingOutput extracts one RTT per echo-reply line.
func ParsePingOutput(out string) []time.Duration {
	var rtts []time.Duration
	for _, line := range strings.Split(out, "\n") {
		m := pingTimeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ms, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		rtts = append(rtts, time.Duration(ms*float64(time.Millisecond)))
	}
	return rtts
}
