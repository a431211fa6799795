package pkg

import (
	"net"
)

// tlsRecordHeaderLooksLikeHTTP reports whether a TLS record header
// looks like it might've been a misdirected plaintext HTTP request.
func tlsRecordHeaderLooksLikeHTTP(hdr [5]byte) bool {
	switch string(hdr[:]) {
	case "GET /", "HEAD ", "POST ", "PUT /", "OPTIO", "PATCH", "DELET":
		return true
	}

	return false
}

// validNextProto reports whether proto can be announced through ALPN,
// which allows identifiers of 1 to 255 bytes.
func validNextProto(proto string) bool {
	return proto != "" && len(proto) <= 255
}

func strSliceContains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}

	return false
}

// clientKey groups remote addresses for the per-client connection limit:
// the full address for IPv4, the /56 prefix for IPv6 (RFC 6177).
func clientKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}

	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}

	return ip.Mask(net.CIDRMask(56, 128)).String()
}
