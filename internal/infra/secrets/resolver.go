// Package secrets resolves the secret names a configuration references
// into values, once, at boot. Components receive resolved values by
// parameter.
package secrets

import (
	"fmt"
	"sort"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Lookup returns a secret value by name. The default is os.LookupEnv;
// tests substitute a map.
type Lookup func(name string) (string, bool)

// Resolver holds resolved secret material. Values are never logged.
type Resolver struct {
	values map[string]string
}

// Resolve fetches every referenced secret via lookup. Any missing
// reference is a fatal configuration error.
func Resolve(refs []string, lookup Lookup) (*Resolver, error) {
	values := make(map[string]string, len(refs))
	var missing []string
	for _, ref := range refs {
		v, ok := lookup(ref)
		if !ok || v == "" {
			missing = append(missing, ref)
			continue
		}
		values[ref] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, domain.NewDomainError("Secrets.Resolve", domain.ErrConfig,
			fmt.Sprintf("missing secrets: %v", missing))
	}
	return &Resolver{values: values}, nil
}

// Get returns the value for a resolved reference.
func (r *Resolver) Get(ref string) (string, error) {
	v, ok := r.values[ref]
	if !ok {
		return "", domain.NewDomainError("Secrets.Get", domain.ErrConfig,
			fmt.Sprintf("unresolved secret ref %q", ref))
	}
	return v, nil
}

// BotTokens resolves the Discord token for every spec and rejects the
// configuration when two distinct specs share one token. All bots
// appearing as the same Discord identity is the documented catastrophic
// failure mode; it is caught here, before any connection is opened.
func (r *Resolver) BotTokens(specs map[string]domain.AgentSpec) (map[string]string, error) {
	tokens := make(map[string]string, len(specs))
	byToken := make(map[string]string, len(specs))

	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		token, err := r.Get(specs[id].DiscordTokenRef)
		if err != nil {
			return nil, err
		}
		if prev, clash := byToken[token]; clash {
			return nil, domain.NewDomainError("Secrets.BotTokens", domain.ErrDuplicate,
				fmt.Sprintf("specs %q and %q resolve to the same Discord token", prev, id))
		}
		byToken[token] = id
		tokens[id] = token
	}
	return tokens, nil
}
