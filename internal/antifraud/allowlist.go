package antifraud

import (
	"net"
	"strings"
)

// AllowList matches source addresses against exact IPs or CIDR ranges. An
// empty list allows everything.
type AllowList struct {
	ips  map[string]struct{}
	nets []*net.IPNet
}

func NewAllowList(entries []string) *AllowList {
	a := &AllowList{ips: make(map[string]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, n, err := net.ParseCIDR(e); err == nil {
				a.nets = append(a.nets, n)
			}
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			a.ips[ip.String()] = struct{}{}
		} else {
			a.ips[e] = struct{}{}
		}
	}
	return a
}

func (a *AllowList) Empty() bool {
	return a == nil || (len(a.ips) == 0 && len(a.nets) == 0)
}

func (a *AllowList) Allowed(addr string) bool {
	if a.Empty() {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		_, ok := a.ips[addr]
		return ok
	}
	if _, ok := a.ips[ip.String()]; ok {
		return true
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
