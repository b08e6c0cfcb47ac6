// Package transport builds the HTTP clients used for the feed and the control
// channel. Feed connections have no overall timeout; only dialing, the TLS
// handshake and the wait for response headers are bounded.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	// Timeout bounds the whole exchange. Leave zero for streaming clients.
	Timeout               time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// Fingerprint dials TLS through uTLS with a browser ClientHello.
	Fingerprint bool
}

func StreamOptions() Options {
	return Options{
		DialTimeout:           15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		Fingerprint:           true,
	}
}

func ControlOptions(timeout time.Duration) Options {
	return Options{
		Timeout:     timeout,
		DialTimeout: 15 * time.Second,
		Fingerprint: true,
	}
}

type Client struct {
	http *http.Client
}

func New(opts Options) *Client {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		// Content-Encoding is negotiated and decoded by the stream reader.
		DisableCompression: true,
		DialContext:        (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:    &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if opts.Fingerprint {
		base.DialTLSContext = fingerprintTLSDialer(dialTimeout)
	}
	return &Client{http: &http.Client{Timeout: opts.Timeout, Transport: base}}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// HTTPClient exposes the underlying client for callers that need one.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func fingerprintTLSDialer(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		plainConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, _ := net.SplitHostPort(addr)
		uCfg := &utls.Config{ServerName: host}
		uConn := utls.UClient(plainConn, uCfg, utls.HelloChrome_Auto)
		if err := forceHTTP11ALPN(uConn); err != nil {
			_ = plainConn.Close()
			return nil, err
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = plainConn.Close()
			return nil, err
		}
		if negotiated := uConn.ConnectionState().NegotiatedProtocol; negotiated != "" && negotiated != "http/1.1" {
			_ = uConn.Close()
			return nil, fmt.Errorf("unexpected ALPN protocol negotiated: %s", negotiated)
		}
		return uConn, nil
	}
}

// The feed is a single long HTTP/1.1 chunked response; never let the
// handshake pick h2.
func forceHTTP11ALPN(uConn *utls.UConn) error {
	if err := uConn.BuildHandshakeState(); err != nil {
		return err
	}
	for _, ext := range uConn.Extensions {
		alpnExt, ok := ext.(*utls.ALPNExtension)
		if !ok {
			continue
		}
		alpnExt.AlpnProtocols = []string{"http/1.1"}
		return nil
	}
	return nil
}
