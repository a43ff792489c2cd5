// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package auth

import "sort"

// AdminRole grants access to every registered server.
const AdminRole = "admin"

// RoleRouter is the pure mapping from a caller's role set to the
// downstream servers the caller may reach. The table is built once from
// configuration at startup and never mutated; server health is tracked
// by the circuit breaker, not here.
type RoleRouter struct {
	byRole     map[string][]string
	allServers []string
}

// NewRoleRouter builds the routing table. roleServers maps each server
// name to the roles that grant it.
func NewRoleRouter(serverRoles map[string][]string) *RoleRouter {
	byRole := make(map[string][]string)
	all := make([]string, 0, len(serverRoles))
	for server, roles := range serverRoles {
		all = append(all, server)
		for _, role := range roles {
			byRole[role] = append(byRole[role], server)
		}
	}
	sort.Strings(all)
	return &RoleRouter{byRole: byRole, allServers: all}
}

// ServersFor returns the deduplicated, sorted union of servers granted
// by the caller's roles. Output is independent of role ordering. An
// empty role set yields an empty list, not an error.
func (r *RoleRouter) ServersFor(roles []string) []string {
	seen := make(map[string]struct{})
	for _, role := range roles {
		if role == AdminRole {
			// Composite all-access role expands to every server.
			out := make([]string, len(r.allServers))
			copy(out, r.allServers)
			return out
		}
		for _, server := range r.byRole[role] {
			seen[server] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for server := range seen {
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}

// Authorized reports whether the role set grants the named server.
func (r *RoleRouter) Authorized(roles []string, server string) bool {
	for _, s := range r.ServersFor(roles) {
		if s == server {
			return true
		}
	}
	return false
}

// AllServers returns every registered server name.
func (r *RoleRouter) AllServers() []string {
	out := make([]string, len(r.allServers))
	copy(out, r.allServers)
	return out
}
