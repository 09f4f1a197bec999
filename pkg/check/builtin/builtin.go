// Package builtin registers the check types shipped with nodectl.
package builtin

import (
	"github.com/kylerisse/nodectl/pkg/check"
	"github.com/kylerisse/nodectl/pkg/check/dns"
	"github.com/kylerisse/nodectl/pkg/check/liveness"
	"github.com/kylerisse/nodectl/pkg/check/ping"
	"github.com/kylerisse/nodectl/pkg/check/storeping"
	"github.com/kylerisse/nodectl/pkg/store"
)

// DefaultChecks is used when the configuration lists none.
var DefaultChecks = []map[string]any{
	{"type": storeping.TypeName},
	{"type": liveness.TypeName},
}

// Registry returns a registry with every built-in type bound to s.
func Registry(s store.Store) *check.Registry {
	r := check.NewRegistry()
	for name, f := range map[string]check.Factory{
		storeping.TypeName: storeping.NewFactory(s),
		dns.TypeName:       dns.NewFactory(s),
		ping.TypeName:      ping.NewFactory(s),
		liveness.TypeName:  liveness.NewFactory(s),
	} {
		// Names are distinct constants.
		_ = r.Register(name, f)
	}
	return r
}

// Build creates the configured checks, or the defaults when configs is
// empty.
func Build(s store.Store, configs []map[string]any) ([]check.Instance, error) {
	if len(configs) == 0 {
		configs = DefaultChecks
	}
	return Registry(s).Build(configs)
}
