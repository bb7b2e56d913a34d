package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	dom "dnspick/internal/domain"
)

// Exchanger issues one DNS query against one server. Implementations must
// honor the timeout and return the addresses from the answer section.
type Exchanger interface {
	Exchange(ctx context.Context, server, name string, rtype dom.RecordType, timeout time.Duration) ([]string, time.Duration, error)
}

// UDPExchanger is the production Exchanger, a thin wrapper over miekg/dns.
type UDPExchanger struct{}

func (UDPExchanger) Exchange(ctx context.Context, server, name string, rtype dom.RecordType, timeout time.Duration) ([]string, time.Duration, error) {
	qtype := dns.TypeA
	if rtype == dom.RecordAAAA {
		qtype = dns.TypeAAAA
	}

	c := &dns.Client{Timeout: timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	r, rtt, err := c.ExchangeContext(ctx, m, net.JoinHostPort(server, "53"))
	if err != nil {
		return nil, rtt, err
	}
	if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
		return nil, rtt, fmt.Errorf("server %s answered %s for %s", server, dns.RcodeToString[r.Rcode], name)
	}

	var ips []string
	for _, rr := range r.Answer {
		switch a := rr.(type) {
		case *dns.A:
			ips = append(ips, a.A.String())
		case *dns.AAAA:
			ips = append(ips, a.AAAA.String())
		}
	}
	return ips, rtt, nil
}
