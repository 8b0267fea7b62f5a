package healthcheck

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// parseProxyAddr turns a plain "host:port" pool address into the *url.URL
// dialProbeConn expects, defaulting to the http CONNECT scheme. Addresses
// already carrying a scheme (e.g. "socks5://host:port") are passed through
// url.Parse as-is.
func parseProxyAddr(addr string) (*url.URL, error) {
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" && u.Host != "" {
		return u, nil
	}
	return url.Parse("http://" + addr)
}

// dialProbeConn opens a connection to target through the candidate proxy,
// good for exactly one request/response probe: the deadline from ctx is
// applied to the whole connection, not just the dial, since probeEndpoint's
// own read must not hang past the check timeout either.
func dialProbeConn(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch proxyURL.Scheme {
	case "http", "https":
		conn, err = connectHTTP(ctx, proxyURL, target)
	case "socks5":
		conn, err = connectSOCKS5(ctx, proxyURL, target)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// connectHTTP sends an HTTP CONNECT request to the candidate proxy and
// returns the tunnel once it is established. Unlike a forwarding dialer,
// a probe connection is used for exactly one request right after this
// returns, so any bytes the proxy sends ahead of its CONNECT response
// terminator are not worth preserving — there is no second client to hand
// them to.
func connectHTTP(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("dial candidate proxy %s: %w", proxyURL.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+target, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = target

	if proxyURL.User != nil {
		user := proxyURL.User.Username()
		pass, _ := proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("candidate proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

// connectSOCKS5 dials through a SOCKS5 candidate proxy.
func connectSOCKS5(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		user := proxyURL.User.Username()
		pass, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: user, Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", target, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", target, err)
	}
	return conn, nil
}
