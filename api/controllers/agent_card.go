package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/ap2-agents/api/responses"
	"github.com/angelmondragon/ap2-agents/internal/orchestrator"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
)

const (
	agentCardVersion    = "1.0.0"
	a2aProtocolVersion  = "0.3.0"
	agentCardInputMode  = "json"
	agentCardOutputMode = "json"
)

type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	ProtocolVersion    string            `json:"protocolVersion"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
}

type AgentCapabilities struct {
	Extensions []AgentExtension `json:"extensions"`
}

type AgentExtension struct {
	URI         string         `json:"uri"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required"`
	Params      map[string]any `json:"params,omitempty"`
}

type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// OperationSource lists what an agent can do.
type OperationSource interface {
	Role() string
	Operations() []orchestrator.Operation
	Extensions() []string
}

var roleCards = map[string]struct{ name, description string }{
	config.ServiceKindMerchant:            {"MerchantAgent", "A sales assistant agent for a merchant."},
	config.ServiceKindCredentialsProvider: {"CredentialsProvider", "An agent that holds a user's payment credentials."},
	config.ServiceKindPaymentProcessor:    {"MerchantPaymentProcessorAgent", "An agent that processes card payments on behalf of a merchant."},
}

// BuildAgentCard derives the public card from the role's operation table.
func BuildAgentCard(cfg *config.Config, src OperationSource) AgentCard {
	role := src.Role()
	meta := roleCards[role]
	name := meta.name
	if n := strings.TrimSpace(cfg.Service.Name); n != "" {
		name = n
	}

	var extensions []AgentExtension
	for _, uri := range src.Extensions() {
		ext := AgentExtension{URI: uri, Required: true}
		if uri == envelope.ExtensionURI {
			ext.Description = "Supports the Agent Payments Protocol."
			ext.Params = map[string]any{"roles": []string{role}}
		}
		extensions = append(extensions, ext)
	}
	if role == config.ServiceKindMerchant {
		extensions = append(extensions, AgentExtension{
			URI:         envelope.CardNetworkExtensionURI,
			Description: "Supports the Sample Card Network payment method extension",
			Required:    true,
		})
	}

	ops := src.Operations()
	skills := make([]AgentSkill, 0, len(ops))
	for _, op := range ops {
		skills = append(skills, AgentSkill{
			ID:          op.Name,
			Name:        skillName(op.Name),
			Description: op.Description,
			Tags:        []string{role},
		})
	}

	return AgentCard{
		Name:               name,
		Description:        meta.description,
		URL:                cfg.App.BaseURL() + "/a2a/v1",
		Version:            agentCardVersion,
		ProtocolVersion:    a2aProtocolVersion,
		Capabilities:       AgentCapabilities{Extensions: extensions},
		DefaultInputModes:  []string{agentCardInputMode},
		DefaultOutputModes: []string{agentCardOutputMode},
		Skills:             skills,
	}
}

func skillName(op string) string {
	words := strings.Split(op, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func GetAgentCard(cfg *config.Config, src OperationSource) http.HandlerFunc {
	card := BuildAgentCard(cfg, src)
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteRaw(w, http.StatusOK, card)
	}
}
