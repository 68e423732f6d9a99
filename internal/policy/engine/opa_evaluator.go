package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"experiment-tracking/backend/internal/policy/repository"
)

const allowQuery = "data.experiment_tracking.authz.allow"

// DefaultRegoPolicy grants viewers read access, editors all mutations except sensor, profile and
// audit administration, and owners everything. Project policies must use the same package.
const DefaultRegoPolicy = `package experiment_tracking.authz

default allow := false

read_actions := {"get", "list", "stream"}

owner_resources := {"sensor", "conversion_profile", "audit_event"}

is_read if {
	read_actions[input.action]
}

owner_only if {
	owner_resources[input.resource]
}

allow if {
	input.role == "owner"
}

allow if {
	input.role == "editor"
	not owner_only
}

allow if {
	input.role == "editor"
	is_read
	input.resource != "audit_event"
}

allow if {
	input.role == "viewer"
	is_read
	input.resource != "audit_event"
}
`

// OPAEvaluator evaluates project access policies using OPA Rego.
type OPAEvaluator struct {
	policyRepo   repository.Repository
	defaultQuery rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the built-in policy. policyRepo may be nil, in which case every project
// uses the built-in policy.
func NewOPAEvaluator(ctx context.Context, policyRepo repository.Repository) (*OPAEvaluator, error) {
	q, err := prepare(ctx, []string{DefaultRegoPolicy})
	if err != nil {
		return nil, fmt.Errorf("compile default policy: %w", err)
	}
	return &OPAEvaluator{policyRepo: policyRepo, defaultQuery: q}, nil
}

func prepare(ctx context.Context, policies []string) (rego.PreparedEvalQuery, error) {
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}
	return rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
}

// HealthCheck verifies that the built-in policy evaluates. Does not call the policy repo.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := e.defaultQuery.Eval(ctx, rego.EvalInput(Input{Role: "viewer", Action: "list", Resource: "experiment"}))
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// Allow evaluates the project's enabled policies, or the built-in policy when it has none.
// Project policies that fail to load or compile fall back to the built-in policy.
func (e *OPAEvaluator) Allow(ctx context.Context, projectID string, in Input) (bool, error) {
	q := e.defaultQuery
	if e.policyRepo != nil {
		policies, err := e.policyRepo.ListEnabledByProject(ctx, projectID)
		if err != nil {
			log.Printf("policy: failed to load policies for project %s: %v", projectID, err)
		}
		var rules []string
		for _, p := range policies {
			if p.Enabled && p.Rules != "" {
				rules = append(rules, p.Rules)
			}
		}
		if len(rules) > 0 {
			pq, err := prepare(ctx, rules)
			if err != nil {
				log.Printf("policy: project %s policies do not compile: %v, using default", projectID, err)
			} else {
				q = pq
			}
		}
	}
	rs, err := q.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	return rs.Allowed(), nil
}
