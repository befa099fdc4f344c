package proxy

import (
	"context"
	"net"
	"time"

	"debugproxy/metrics"
)

// pool bounds the number of concurrently open upstream connections,
// following the same acquire/release-with-timeout discipline as a generic
// group limiter: callers block on acquire until a slot is free or their
// context expires, and idle connections are reused where possible.
type pool struct {
	target      string
	dialTimeout time.Duration
	sem         chan struct{}
	idle        chan net.Conn
	metrics     *metrics.Metrics
}

func newPool(target string, size int, dialTimeout time.Duration, m *metrics.Metrics) *pool {
	return &pool{
		target:      target,
		dialTimeout: dialTimeout,
		sem:         make(chan struct{}, size),
		idle:        make(chan net.Conn, size),
		metrics:     m,
	}
}

// acquire returns an idle connection if one is available, otherwise blocks
// until a new connection slot frees up (bounded by the pool's capacity) or
// ctx is done.
func (p *pool) acquire(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-p.idle:
		if p.metrics != nil {
			p.metrics.PoolInUse.Inc()
		}
		return conn, nil
	default:
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := net.DialTimeout("tcp", p.target, p.dialTimeout)
	if err != nil {
		<-p.sem
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.PoolInUse.Inc()
	}
	return conn, nil
}

// release returns conn to the idle set if reusable is true and there is
// room, otherwise closes it and frees its slot.
func (p *pool) release(conn net.Conn, reusable bool) {
	if p.metrics != nil {
		p.metrics.PoolInUse.Dec()
	}

	if reusable {
		select {
		case p.idle <- conn:
			return
		default:
		}
	}

	conn.Close()
	<-p.sem
}
