package dnscache

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/miekg/dns"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
)

// fallbackServers are used when no servers are configured and the system
// resolver configuration cannot be read.
var fallbackServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// systemLookup builds the production LookupFunc on top of miekg/dns. A and
// AAAA records are queried in that order; the first answered query wins.
func systemLookup(cfg config.DNSConfig) LookupFunc {
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = resolvConfServers()
	}
	client := &dns.Client{Timeout: cfg.Timeout}

	return func(ctx context.Context, hostname string) ([]string, schemas.DNSOutcome) {
		var sawNXDomain, sawTimeout bool

		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(hostname), qtype)

			for _, server := range servers {
				in, _, err := client.ExchangeContext(ctx, msg, server)
				if err != nil {
					var nerr net.Error
					if errors.As(err, &nerr) && nerr.Timeout() {
						sawTimeout = true
					}
					if ctx.Err() != nil {
						return nil, schemas.DNSTimeout
					}
					continue
				}
				if in.Rcode == dns.RcodeNameError {
					sawNXDomain = true
					break
				}
				if in.Rcode != dns.RcodeSuccess {
					continue
				}

				var addrs []string
				for _, ans := range in.Answer {
					switch rr := ans.(type) {
					case *dns.A:
						addrs = append(addrs, rr.A.String())
					case *dns.AAAA:
						addrs = append(addrs, rr.AAAA.String())
					}
				}
				if len(addrs) > 0 {
					return addrs, schemas.DNSOk
				}
				// Answered but empty; fall through to the next query type.
				break
			}
			if sawNXDomain {
				return nil, schemas.DNSNXDomain
			}
		}

		if sawTimeout {
			return nil, schemas.DNSTimeout
		}
		if sawNXDomain {
			return nil, schemas.DNSNXDomain
		}
		return nil, schemas.DNSError
	}
}

// resolvConfServers reads the system resolver list, falling back to public
// resolvers when unavailable (e.g. non-Unix hosts).
func resolvConfServers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackServers
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// ensureDir creates the parent directory for a cache or database file.
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
