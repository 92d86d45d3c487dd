package config

import (
	"fmt"
	"strings"

	"openassistant/internal/domain"
)

// Validate checks a loaded config for structural problems. Runtime
// conditions (unreachable endpoints, bad credentials) are not checked here.
func Validate(cfg *Config) error {
	if err := validateLogger(cfg.Logger); err != nil {
		return err
	}
	if err := validateTracer(cfg.Tracer); err != nil {
		return err
	}
	if err := validateLLM(cfg.LLM); err != nil {
		return err
	}
	return validateOrchestration(cfg.Orchestration)
}

func validateLogger(cfg LoggerConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logger.level: unknown level %q", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format: unknown format %q", cfg.Format)
	}
	return nil
}

func validateTracer(cfg TracerConfig) error {
	switch cfg.Exporter {
	case "", "noop", "stdout":
		return nil
	default:
		return fmt.Errorf("tracer.exporter: unsupported exporter %q", cfg.Exporter)
	}
}

func validateLLM(cfg LLMConfig) error {
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm.providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("llm.providers: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	if len(cfg.Providers) > 0 && !seen[cfg.DefaultProvider] {
		return fmt.Errorf("llm.default_provider: %q is not a configured provider", cfg.DefaultProvider)
	}
	return nil
}

func validateOrchestration(cfg OrchestrationConfig) error {
	for _, team := range cfg.Teams {
		if err := validateRoster("team", team.ID, team.Agents); err != nil {
			return err
		}
		if team.Strategy == domain.StrategySupervisor && team.SupervisorID != "" {
			if !rosterHas(team.Agents, team.SupervisorID) {
				return fmt.Errorf("team %q: supervisor %q is not a roster member", team.ID, team.SupervisorID)
			}
		}
	}

	for _, swarm := range cfg.Swarms {
		if err := validateRoster("swarm", swarm.ID, swarm.Agents); err != nil {
			return err
		}
		if swarm.SynthesizerID != "" && swarm.Aggregation == domain.AggregateSynthesize {
			if !rosterHas(swarm.Agents, swarm.SynthesizerID) {
				return fmt.Errorf("swarm %q: synthesizer %q is not a roster member", swarm.ID, swarm.SynthesizerID)
			}
		}
	}

	for _, router := range cfg.Routers {
		if err := validateRoster("router", router.ID, router.Agents); err != nil {
			return err
		}
		if !rosterHas(router.Agents, router.DefaultAgentID) {
			return fmt.Errorf("router %q: default agent %q is not a roster member", router.ID, router.DefaultAgentID)
		}
	}

	return nil
}

func validateRoster(kind, id string, agents []domain.Persona) error {
	if id == "" {
		return fmt.Errorf("%s: id is required", kind)
	}
	seen := make(map[string]bool, len(agents))
	for i, p := range agents {
		if p.ID == "" {
			return fmt.Errorf("%s %q: agents[%d]: id is required", kind, id, i)
		}
		if seen[p.ID] {
			return fmt.Errorf("%s %q: duplicate agent %q", kind, id, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func rosterHas(agents []domain.Persona, id string) bool {
	for _, p := range agents {
		if p.ID == id {
			return true
		}
	}
	return false
}
