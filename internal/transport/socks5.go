package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
)

// SOCKS5Factory opens SOCKS5-tunneled net/http clients. It is the
// broker's default Factory; swap it out for a different transport
// library without touching the pool/controller.
type SOCKS5Factory struct {
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
	RequestTimeout  time.Duration
}

// NewSOCKS5Factory returns a Factory with production-sane timeouts.
func NewSOCKS5Factory() *SOCKS5Factory {
	return &SOCKS5Factory{
		DialTimeout:     10 * time.Second,
		IdleConnTimeout: 30 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
}

// Open implements Factory.
func (f *SOCKS5Factory) Open(ctx context.Context, identity proxyid.Identity) (Transport, error) {
	dialer := &net.Dialer{
		Timeout:   f.dialTimeout(),
		KeepAlive: 30 * time.Second,
	}

	var auth *proxy.Auth
	if identity.Username != "" {
		auth = &proxy.Auth{User: identity.Username, Password: identity.Password}
	}

	addr := net.JoinHostPort(identity.IP, strconv.Itoa(int(identity.Port)))
	socksDialer, err := proxy.SOCKS5("tcp", addr, auth, dialer)
	if err != nil {
		return nil, fmt.Errorf("transport: create socks5 dialer: %w", err)
	}

	tr := &http.Transport{
		DialContext:           dialContextFromDialer(socksDialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       f.idleConnTimeout(),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Transport: tr,
		Timeout:   f.requestTimeout(),
	}

	return &socks5Transport{client: client}, nil
}

func (f *SOCKS5Factory) dialTimeout() time.Duration {
	if f.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return f.DialTimeout
}

func (f *SOCKS5Factory) idleConnTimeout() time.Duration {
	if f.IdleConnTimeout <= 0 {
		return 30 * time.Second
	}
	return f.IdleConnTimeout
}

func (f *SOCKS5Factory) requestTimeout() time.Duration {
	if f.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return f.RequestTimeout
}

// dialContextFromDialer adapts a golang.org/x/net/proxy.Dialer (which
// may or may not implement ContextDialer) into a context-aware dial
// function for http.Transport.
func dialContextFromDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if ctxDialer, ok := d.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		default:
			return conn, nil
		}
	}
}

type socks5Transport struct {
	client *http.Client
}

func (t *socks5Transport) Client() *http.Client { return t.client }

func (t *socks5Transport) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *socks5Transport) Close(ctx context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}
