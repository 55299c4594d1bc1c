package orchestrator

import (
	"strings"

	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
)

// CallerPolicy decides whether the caller of a request may be served. It
// runs on the raw message before any mandate is decoded.
type CallerPolicy interface {
	Authorize(msg envelope.Message) error
}

// AllowList admits callers whose declared shopping_agent_id is listed.
type AllowList struct {
	ids map[string]struct{}
}

// NewAllowList builds an allow list from ids. Blank entries are ignored.
func NewAllowList(ids ...string) *AllowList {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return &AllowList{ids: set}
}

// Authorize fails with CodeUnauthorizedCaller for unknown or missing ids.
func (a *AllowList) Authorize(msg envelope.Message) error {
	id, ok := msg.RawString(envelope.KeyShoppingAgentID)
	if !ok || strings.TrimSpace(id) == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorizedCaller, "missing shopping_agent_id")
	}
	if _, allowed := a.ids[id]; !allowed {
		return pkgerrors.Newf(pkgerrors.CodeUnauthorizedCaller, "unknown shopping agent %q", id)
	}
	return nil
}

// Negotiate returns the requested extensions the agent supports, in request
// order, without duplicates.
func Negotiate(requested, supported []string) []string {
	set := make(map[string]struct{}, len(supported))
	for _, uri := range supported {
		set[strings.TrimSpace(uri)] = struct{}{}
	}
	var activated []string
	seen := map[string]struct{}{}
	for _, uri := range requested {
		uri = strings.TrimSpace(uri)
		if _, ok := set[uri]; !ok {
			continue
		}
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		activated = append(activated, uri)
	}
	return activated
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
