package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/toolink/admission/limiter"
)

// IdentityFromRequest reads the user and role set by an upstream
// authenticator, falling back to the client IP.
func IdentityFromRequest(r *http.Request) limiter.Identity {
	return limiter.Identity{
		UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		RoleID: strings.TrimSpace(r.Header.Get(HeaderRoleID)),
		IP:     ClientIP(r),
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return hostOnly(r.RemoteAddr)
}

// IdentityFromIncoming reads x-user-id and x-role-id from incoming gRPC
// metadata and the address of the peer.
func IdentityFromIncoming(ctx context.Context) limiter.Identity {
	var id limiter.Identity
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		id.UserID = firstValue(md, "x-user-id")
		id.RoleID = firstValue(md, "x-role-id")
		if ip := firstValue(md, "x-forwarded-for"); ip != "" {
			first, _, _ := strings.Cut(ip, ",")
			id.IP = strings.TrimSpace(first)
		}
	}
	if id.IP == "" {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			id.IP = hostOnly(p.Addr.String())
		}
	}
	return id
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
