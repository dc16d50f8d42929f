package coordinator

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/edgecoder/swarm/internal/model"
)

// PullDecision is the result of evaluating power policy against an
// agent's most recent heartbeat (spec §4.6 "Power policy enforcement on
// pull").
type PullDecision string

const (
	DecisionUnrestricted PullDecision = "unrestricted"
	DecisionSmallOnly    PullDecision = "small_only"
	DecisionNoWork       PullDecision = "no_work"
)

// powerPolicyModule encodes spec §4.6's power rules as Rego so the
// decision logic is data, not control flow, grounded on
// services/policy-service/opa_engine.go's compile-then-evaluate shape.
const powerPolicyModule = `
package edgecoder.power

default no_work = false
default small_only = false

no_work {
	input.deviceType == "ios"
	input.lowPowerMode
}

no_work {
	not input.onAC
	input.thermal == "critical"
}

no_work {
	input.deviceType == "desktop"
	not input.onAC
	input.batteryPct < 15
}

small_only {
	not no_work
	input.deviceType == "desktop"
	not input.onAC
	input.batteryPct >= 15
	input.batteryPct < 40
}
`

// PowerPolicy evaluates the compiled Rego module against one agent's
// declared power state.
type PowerPolicy struct {
	noWorkQuery    rego.PreparedEvalQuery
	smallOnlyQuery rego.PreparedEvalQuery
}

// NewPowerPolicy compiles the embedded power policy module.
func NewPowerPolicy(ctx context.Context) (*PowerPolicy, error) {
	noWork, err := rego.New(
		rego.Query("data.edgecoder.power.no_work"),
		rego.Module("power.rego", powerPolicyModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare no_work query: %w", err)
	}

	smallOnly, err := rego.New(
		rego.Query("data.edgecoder.power.small_only"),
		rego.Module("power.rego", powerPolicyModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare small_only query: %w", err)
	}

	return &PowerPolicy{noWorkQuery: noWork, smallOnlyQuery: smallOnly}, nil
}

// Decide evaluates an agent's current power state (spec §4.6: "the
// agent's declared state is trusted for the current heartbeat window").
func (p *PowerPolicy) Decide(ctx context.Context, power model.PowerState, deviceType string) (PullDecision, error) {
	input := map[string]any{
		"onAC":         power.OnAC,
		"batteryPct":   power.BatteryPct,
		"thermal":      power.Thermal,
		"lowPowerMode": power.LowPowerMode,
		"deviceType":   deviceType,
	}

	noWork, err := evalBool(ctx, p.noWorkQuery, input)
	if err != nil {
		return "", err
	}
	if noWork {
		return DecisionNoWork, nil
	}

	smallOnly, err := evalBool(ctx, p.smallOnlyQuery, input)
	if err != nil {
		return "", err
	}
	if smallOnly {
		return DecisionSmallOnly, nil
	}
	return DecisionUnrestricted, nil
}

func evalBool(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any) (bool, error) {
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	v, _ := results[0].Expressions[0].Value.(bool)
	return v, nil
}
