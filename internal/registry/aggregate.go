package registry

import (
	"encoding/json"

	"github.com/ayoubachak/agentbridge/internal/logx"
)

// Aggregate merges the capability sets of every client with a non-empty
// registration into flat function and component lists. Each descriptor is
// annotated with its owning clientId so a later command can be routed back
// to the correct client. No deduplication: two clients exposing the same
// function name both appear, distinguished only by clientId. Order across
// clients is unspecified.
func (r *Registry) Aggregate() (functions, components []map[string]any) {
	functions = []map[string]any{}
	components = []map[string]any{}
	for _, c := range r.SnapshotClients() {
		caps := c.Capabilities()
		if caps.Empty() {
			continue
		}
		for _, raw := range caps.Functions {
			if d := tagDescriptor(raw, c.ID); d != nil {
				functions = append(functions, d)
			}
		}
		for _, raw := range caps.Components {
			if d := tagDescriptor(raw, c.ID); d != nil {
				components = append(components, d)
			}
		}
	}
	return functions, components
}

// tagDescriptor decodes an opaque descriptor and stamps the owning client.
// Descriptors arrived inside a valid registration frame, so a decode
// failure here means the client sent a non-object descriptor; skip it.
func tagDescriptor(raw json.RawMessage, clientID string) map[string]any {
	var d map[string]any
	if err := json.Unmarshal(raw, &d); err != nil {
		logx.Log.Warn().Str("client_id", clientID).Err(err).Msg("skipping malformed capability descriptor")
		return nil
	}
	d["clientId"] = clientID
	return d
}
