package registry

import (
	"log/slog"

	"github.com/ashureev/agentdesk/internal/agent"
)

// DefaultAgent is the fallback used by the built-in registry.
const DefaultAgent = "orchestrator"

// Defaults returns the built-in agent set used when no registry file is configured.
func Defaults() (*Registry, error) {
	return New(DefaultAgent,
		Spec{
			Name:              "orchestrator",
			Description:       "Central coordinator that answers general questions and plans multi-step work.",
			Capabilities:      []string{"plan", "help", "explain", "summarize"},
			CrossAgentContext: true,
			Memory:            true,
		},
		Spec{
			Name:         "research_agent",
			Description:  "Performs grounded searches and synthesizes findings with citations.",
			Capabilities: []string{"research", "search", "find", "trends", "trending", "competitor", "youtube", "instagram", "reddit", "sources"},
			Tools:        []string{"web_search", "youtube_search", "instagram_search"},
			Memory:       true,
		},
		Spec{
			Name:         "asset_agent",
			Description:  "Generates, stores and records media assets.",
			Capabilities: []string{"image", "generate image", "asset", "assets", "logo", "banner", "video", "audio"},
			Tools:        []string{"image_generation", "asset_store"},
			Memory:       true,
		},
		Spec{
			Name:              "copy_writer",
			Description:       "Writes captions, posts and marketing copy in the brand voice.",
			Capabilities:      []string{"write", "caption", "copy", "post", "draft", "headline", "hashtags", "rewrite"},
			CrossAgentContext: true,
			Memory:            true,
		},
		Spec{
			Name:         "media_analyst",
			Description:  "Analyzes images and videos the user shares.",
			Capabilities: []string{"analyze", "analyse", "analysis", "describe", "what is in"},
			Memory:       true,
		},
	)
}

// ResolverConfig selects implementations for builtin agents.
type ResolverConfig struct {
	// Client enables model-backed builtin agents; nil selects EchoAgent.
	Client agent.ChatClient
	Model  string
	Logger *slog.Logger
}

// NewResolver returns a Resolver that builds LLM or echo agents for builtin
// specs and dials remote specs.
func NewResolver(cfg ResolverConfig) Resolver {
	return func(s Spec) (agent.Agent, error) {
		switch s.Kind {
		case KindRemote:
			return agent.NewRemoteAgent(agent.DefaultRemoteConfig(s.Name, s.Address), cfg.Logger)
		default:
			if cfg.Client == nil {
				return &agent.EchoAgent{
					Name:     s.Name,
					Steps:    []string{"routing to " + s.Name, "working on it"},
					Remember: s.Memory,
				}, nil
			}
			return agent.NewLLMAgent(agent.LLMConfig{
				Name:        s.Name,
				Description: s.Description,
				Prompt:      s.Prompt,
				Model:       cfg.Model,
				Tools:       s.Tools,
				Remember:    s.Memory,
			}, cfg.Client), nil
		}
	}
}
