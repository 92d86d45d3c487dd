package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"openassistant/internal/adapter/integration"
	"openassistant/internal/adapter/llm"
	"openassistant/internal/adapter/skill"
	"openassistant/internal/domain"
	"openassistant/internal/infra/config"
	"openassistant/internal/infra/logger"
	"openassistant/internal/infra/tracer"
	"openassistant/internal/usecase/eventbus"
	"openassistant/internal/usecase/orchestrator"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`openassistant - multi-agent orchestration runner

USAGE:
    assistant [COMMAND] [FLAGS]

COMMANDS:
    route    Route a message through a configured router
    team     Run a task through a configured team
    swarm    Run a task through a configured swarm

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)
    --id ID          Roster definition id from the config
    --task TEXT      Task or message to execute
    --user ID        User id for tool scoping (default: "local")
    --skills PATH    Skill directory to load (optional)
    --stream         Stream progress events instead of waiting

CONFIGURATION:
    Config file: ./config.yaml
    Environment: OPENASSISTANT_* variables override config

EXAMPLES:
    assistant team --id research-team --task "Compare Raft and Paxos"
    assistant swarm --id reviewers --task "Review this proposal" --stream
    assistant route --id support --task "My invoice is wrong"`)
}

func run(args []string) error {
	if len(args) == 0 {
		showUsage()
		return nil
	}
	command := args[0]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "config file path")
	id := fs.String("id", "", "roster definition id")
	task := fs.String("task", "", "task or message to execute")
	userID := fs.String("user", "local", "user id for tool scoping")
	skillDir := fs.String("skills", "", "skill directory to load")
	stream := fs.Bool("stream", false, "stream progress events")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *id == "" || *task == "" {
		return fmt.Errorf("%s: --id and --task are required", command)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(ctx)

	bus := eventbus.New(log)
	defer bus.Close()

	deps, err := buildDeps(cfg, log, *skillDir)
	if err != nil {
		return err
	}

	switch command {
	case "route":
		return runRoute(ctx, cfg, deps, bus, *id, *task, *userID, *stream)
	case "team":
		return runTeam(ctx, cfg, deps, bus, *id, *task, *userID, *stream)
	case "swarm":
		return runSwarm(ctx, cfg, deps, bus, *id, *task, *userID, *stream)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// buildDeps assembles the shared unit dependencies: provider registry with
// breaker and rate limit wrappers, model resolver, skills, integrations.
func buildDeps(cfg *config.Config, log *slog.Logger, skillDir string) (orchestrator.UnitDeps, error) {
	registry := llm.NewRegistry()
	for _, pc := range cfg.LLM.Providers {
		var provider domain.LLMProvider = llm.NewOpenAIProvider(pc, log)
		if cfg.LLM.RateLimit.RequestsPerSecond > 0 {
			provider = llm.NewRateLimitedProvider(provider, llm.RateLimitConfig{
				RequestsPerSecond: cfg.LLM.RateLimit.RequestsPerSecond,
				Burst:             cfg.LLM.RateLimit.Burst,
			})
		}
		if cfg.LLM.CircuitBreaker.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{
				MaxFailures: cfg.LLM.CircuitBreaker.MaxFailures,
				Timeout:     cfg.LLM.CircuitBreaker.Timeout,
				Interval:    cfg.LLM.CircuitBreaker.Interval,
			}, log)
		}
		if err := registry.Register(provider); err != nil {
			return orchestrator.UnitDeps{}, err
		}
	}
	resolver := llm.NewResolver(registry, cfg.LLM.DefaultProvider, cfg.LLM.DefaultModel)

	skills := skill.NewRegistry()
	if skillDir != "" {
		if err := skills.LoadDir(skillDir, skill.WithModelResolver(resolver), skill.WithLogger(log)); err != nil {
			return orchestrator.UnitDeps{}, err
		}
	}

	return orchestrator.UnitDeps{
		Models:            resolver,
		Skills:            skills,
		Integrations:      integration.NewRegistry(),
		Logger:            log,
		MaxToolIterations: cfg.Orchestration.MaxToolIterations,
	}, nil
}

func runRoute(ctx context.Context, cfg *config.Config, deps orchestrator.UnitDeps, bus domain.EventBus, id, task, userID string, stream bool) error {
	def, ok := findRouter(cfg, id)
	if !ok {
		return fmt.Errorf("router %q not found in config", id)
	}
	router, err := orchestrator.NewRouter(def, deps, bus)
	if err != nil {
		return err
	}

	if stream {
		return drainEvents(router.RouteStream(ctx, task, userID, "", ""))
	}

	res, err := router.Route(ctx, task, userID, "", "")
	if err != nil {
		return err
	}
	fmt.Printf("[%s] %s\n\n%s\n", res.AgentName, res.RoutingReason, res.Output)
	return nil
}

func runTeam(ctx context.Context, cfg *config.Config, deps orchestrator.UnitDeps, bus domain.EventBus, id, task, userID string, stream bool) error {
	def, ok := findTeam(cfg, id)
	if !ok {
		return fmt.Errorf("team %q not found in config", id)
	}
	team, err := orchestrator.NewTeamOrchestrator(def, deps, bus)
	if err != nil {
		return err
	}
	runCfg := domain.TeamRunConfig{Task: task, UserID: userID}

	if stream {
		return drainEvents(team.RunStream(ctx, runCfg))
	}

	res, err := team.Run(ctx, runCfg)
	if err != nil {
		return err
	}
	for _, r := range res.AgentResults {
		fmt.Printf("--- %s (%s)\n", r.AgentName, r.Duration)
	}
	fmt.Printf("\n%s\n", res.FinalOutput)
	return nil
}

func runSwarm(ctx context.Context, cfg *config.Config, deps orchestrator.UnitDeps, bus domain.EventBus, id, task, userID string, stream bool) error {
	def, ok := findSwarm(cfg, id)
	if !ok {
		return fmt.Errorf("swarm %q not found in config", id)
	}
	swarm := orchestrator.NewSwarmOrchestrator(def, deps, bus)
	runCfg := domain.SwarmRunConfig{Task: task, UserID: userID}

	if stream {
		return drainEvents(swarm.RunStream(ctx, runCfg))
	}

	res, err := swarm.Run(ctx, runCfg)
	if err != nil {
		return err
	}
	for _, r := range res.AgentResults {
		status := "ok"
		if r.Error != "" {
			status = r.Error
		}
		fmt.Printf("--- %s (%s): %s\n", r.AgentName, r.Duration, status)
	}
	fmt.Printf("\n%s\n", res.FinalOutput)
	return nil
}

// drainEvents renders a progress stream to stdout: chunks inline, state
// transitions on their own lines.
func drainEvents(events <-chan domain.ProgressEvent) error {
	for ev := range events {
		switch ev.Kind {
		case domain.ProgressAgentChunk:
			fmt.Print(ev.Content)
		case domain.ProgressAgentStart:
			fmt.Printf("\n[%s started]\n", ev.AgentName)
		case domain.ProgressAgentDone:
			fmt.Printf("\n[%s done in %s]\n", ev.AgentName, ev.Duration)
		case domain.ProgressAgentError:
			fmt.Printf("\n[%s failed: %s]\n", ev.AgentName, ev.Error)
		case domain.ProgressHandoff:
			fmt.Printf("[%s -> %s: %s]\n", ev.From, ev.To, ev.Reason)
		case domain.ProgressRoundStart:
			fmt.Printf("\n[round %d/%d]\n", ev.Round, ev.MaxRounds)
		case domain.ProgressSynthesisStart:
			fmt.Printf("\n[synthesis by %s]\n", ev.SynthesizerID)
		case domain.ProgressComplete:
			fmt.Printf("\n\n%s\n", ev.Output)
		}
	}
	return nil
}

func findRouter(cfg *config.Config, id string) (domain.RouterDefinition, bool) {
	for _, def := range cfg.Orchestration.Routers {
		if def.ID == id {
			return def, true
		}
	}
	return domain.RouterDefinition{}, false
}

func findTeam(cfg *config.Config, id string) (domain.TeamDefinition, bool) {
	for _, def := range cfg.Orchestration.Teams {
		if def.ID == id {
			return def, true
		}
	}
	return domain.TeamDefinition{}, false
}

func findSwarm(cfg *config.Config, id string) (domain.SwarmDefinition, bool) {
	for _, def := range cfg.Orchestration.Swarms {
		if def.ID == id {
			return def, true
		}
	}
	return domain.SwarmDefinition{}, false
}
