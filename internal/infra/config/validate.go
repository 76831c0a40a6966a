package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/glindberg2000/superagent/internal/domain"
)

// Validate enforces the structural invariants of a loaded configuration.
// All violations are ErrConfig and fatal at startup.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return domain.NewDomainError("Config.Validate", domain.ErrConfig, "no agents declared")
	}

	refs := make(map[string]bool, len(c.SecretsRefs))
	for _, r := range c.SecretsRefs {
		refs[r] = true
	}

	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec := c.Agents[id]
		if err := validateSpec(spec, refs); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(spec domain.AgentSpec, refs map[string]bool) error {
	fail := func(detail string) error {
		return domain.NewDomainError("Config.Validate", domain.ErrConfig,
			fmt.Sprintf("agent %q: %s", spec.ID, detail))
	}

	switch spec.Kind {
	case domain.KindProcess:
		if spec.Resources != nil {
			return fail("process agents must not carry resources")
		}
	case domain.KindContainer:
		if spec.Resources == nil || spec.Resources.Image == "" {
			return fail("container agents require resources.image")
		}
	default:
		return fail(fmt.Sprintf("unknown kind %q", spec.Kind))
	}

	if spec.DiscordTokenRef == "" {
		return fail("discord_token_ref is required")
	}
	if len(refs) > 0 && !refs[spec.DiscordTokenRef] {
		return fail(fmt.Sprintf("discord_token_ref %q not listed in secrets_refs", spec.DiscordTokenRef))
	}

	if spec.Kind == domain.KindProcess {
		if spec.LLM.Provider == "" {
			return fail("llm.provider is required")
		}
		if !domain.KnownProviders[strings.ToLower(spec.LLM.Provider)] {
			return fail(fmt.Sprintf("unknown provider %q", spec.LLM.Provider))
		}
	}

	b := spec.Behavior
	if b.MaxContextMessages < 0 || b.MaxTurnsPerThread < 0 || b.ResponseDelaySeconds < 0 {
		return fail("behavior limits must be non-negative")
	}
	return nil
}
