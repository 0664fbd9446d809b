package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// echoArguments is the arguments_schema shape for the built-in echo tool
// (spec §8 scenario 1): {type:"object", additionalProperties:false,
// properties:{text:{type:"string"}}}.
const echoArgumentsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"]
}`

// RegisterBuiltins registers the intrinsic tools every server starts with
// (spec §4.14 step 6: "at minimum echo").
func RegisterBuiltins(c *Catalog) error {
	return c.Register(Declaration{
		Name:            "echo",
		ArgumentsSchema: json.RawMessage(echoArgumentsSchema),
		RiskLevel:       RiskStandard,
	}, echoHandler)
}

func echoHandler(_ context.Context, env *protocol.Envelope) (any, error) {
	var payload protocol.RequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("echo: malformed envelope payload: %w", err)
	}
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload.Arguments, &args); err != nil {
		return nil, fmt.Errorf("echo: malformed arguments: %w", err)
	}
	return map[string]string{"echoed": args.Text}, nil
}
