package content

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrForbiddenDestination 目标位于本机或内网
var ErrForbiddenDestination = errors.New("destination address not allowed")

// 运营商级 NAT 地址段，netip 没有对应的判断方法
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// IsPublicAddr 判断 IP 是否可以作为对外请求的目标
func IsPublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() {
		return false
	}
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	}
	return !sharedAddressSpace.Contains(ip)
}

// publicOnlyControl 在 DNS 解析之后、建立连接之前检查实际的目标 IP
func publicOnlyControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenDestination, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !IsPublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenDestination, host)
	}
	return nil
}

// NewPublicDialer 只允许连接公网地址的 Dialer，重定向后的每次连接同样经过检查
func NewPublicDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   publicOnlyControl,
	}
}

// CheckURLDestination 拒绝非 http(s)、localhost 以及内网 IP 字面量的 URL。
// 经 SOCKS5 代理时由代理解析域名，只能做到这一层。
func CheckURLDestination(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrForbiddenDestination, u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrForbiddenDestination, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && !IsPublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenDestination, host)
	}
	return nil
}

// NewPublicHTTPClient 创建只访问公网地址的 HTTP 客户端
func NewPublicHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           NewPublicDialer(timeout).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return CheckURLDestination(req.URL)
		},
	}
}
