package hostprobe

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

// tcpPorts are dialed in order for each endpoint; a literal IP skips
// DNS entirely so a broken resolver never masks a reachable host.
var tcpPorts = []string{"443", "53"}

// CheckReachability dials each endpoint's well-known ports with a
// per-endpoint budget and returns the best (lowest-latency, reachable)
// result. DNS-only failure on one endpoint does not make the host
// unreachable if another endpoint succeeds.
func (p *Probe) CheckReachability(ctx context.Context, endpoints []string, timeout time.Duration) (domain.ReachabilityResult, error) {
	if len(endpoints) == 0 {
		return domain.ReachabilityResult{}, domain.ErrProbeFailed
	}

	best := domain.ReachabilityResult{ObservedAt: time.Now()}
	for _, endpoint := range endpoints {
		start := time.Now()
		ok := p.dialAny(ctx, endpoint, timeout)
		latency := time.Since(start)

		if ok && (!best.Reachable || latency < time.Duration(best.LatencyMS)*time.Millisecond) {
			best = domain.ReachabilityResult{
				Reachable:  true,
				Endpoint:   endpoint,
				LatencyMS:  latency.Milliseconds(),
				ObservedAt: time.Now(),
			}
		}
	}

	if !best.Reachable {
		p.logger.Warn("reachability probe found no reachable endpoint", zap.Strings("endpoints", endpoints))
	}
	return best, nil
}

func (p *Probe) dialAny(ctx context.Context, endpoint string, timeout time.Duration) bool {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, port := range tcpPorts {
		conn, err := (&net.Dialer{}).DialContext(cctx, "tcp", net.JoinHostPort(endpoint, port))
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}
