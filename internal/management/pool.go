package management

import (
	"log/slog"
	"sync"
)

// Pool hands out one management client per worker, lazily created. Each
// client has its own http.Client; all of them use the default transport
// and share its connection pool.
type Pool struct {
	baseURL string
	log     *slog.Logger

	mu      sync.Mutex
	idle    []*Client
	created int
}

func NewPool(baseURL string, log *slog.Logger) *Pool {
	return &Pool{baseURL: baseURL, log: log}
}

// Get checks a client out, creating one when the pool is empty.
func (p *Pool) Get() (*Client, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.created++
	p.mu.Unlock()
	return NewClient(p.baseURL, p.log)
}

// Put returns a client for reuse. Workers call this on exit.
func (p *Pool) Put(c *Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}
