// Package permissions lists the admin routes that can be granted to operators.
package permissions

import (
	"sort"
	"strings"
)

// All grants every admin route.
const All = "*"

// Definition is one grantable admin route.
type Definition struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Module string `json:"module"`
	Label  string `json:"label"`
}

var definitions = []Definition{
	newDefinition("GET", "/v0/admin/permissions", "system", "List permissions"),

	newDefinition("POST", "/v0/admin/reconcile", "tasks", "Run top-up reconciliation"),
	newDefinition("POST", "/v0/admin/expiration-sweep", "tasks", "Run expiration sweep"),
	newDefinition("POST", "/v0/admin/renewal", "tasks", "Run auto-renewal"),
	newDefinition("GET", "/v0/admin/tasks/:task_id", "tasks", "View task"),

	newDefinition("GET", "/v0/admin/scheduler", "scheduler", "View scheduler"),
	newDefinition("POST", "/v0/admin/scheduler/start", "scheduler", "Start scheduler"),
	newDefinition("POST", "/v0/admin/scheduler/stop", "scheduler", "Stop scheduler"),

	newDefinition("GET", "/v0/admin/properties/:id/services", "services", "View property services"),
	newDefinition("GET", "/v0/admin/services/expired-counts", "services", "View expiry counts"),

	newDefinition("GET", "/v0/admin/accounts/:id/ledger-check", "ledger", "Check ledger"),
	newDefinition("POST", "/v0/admin/accounts/:id/adjustments", "ledger", "Adjust balance"),
	newDefinition("POST", "/v0/admin/transactions/:id/refund", "ledger", "Refund purchase"),

	newDefinition("PUT", "/v0/admin/pricing/:service_type", "pricing", "Update pricing"),
	newDefinition("PUT", "/v0/admin/settings/:key", "system", "Update runtime setting"),
}

func newDefinition(method, path, module, label string) Definition {
	return Definition{Key: Key(method, path), Method: method, Path: path, Module: module, Label: label}
}

// Key builds the permission key for a route.
func Key(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

// Definitions returns every grantable route ordered by key.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DefinitionMap indexes the definitions by key.
func DefinitionMap() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}

// ParsePermissions trims, dedupes and drops unknown keys. All is kept as is.
func ParsePermissions(raw []string) []string {
	known := DefinitionMap()
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		key := strings.TrimSpace(item)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if _, ok := known[key]; !ok && key != All {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// IsSuperAdmin reports whether the list grants every route.
func IsSuperAdmin(granted []string) bool {
	for _, item := range granted {
		if item == All {
			return true
		}
	}
	return false
}

// HasPermission reports whether key is granted.
func HasPermission(granted []string, key string) bool {
	for _, item := range granted {
		if item == key || item == All {
			return true
		}
	}
	return false
}
