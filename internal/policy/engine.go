// Package policy provides the reference PolicyEngine: an ordered rule list
// whose conditions are expr programs evaluated against the request identity.
// Deployments with a real PDP supply their own contracts.PolicyEngine.
package policy

import (
	"context"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/catalyst-iam/catalyst/pkg/cerrors"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
)

// Effect is what a matched rule does.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one ordered policy rule. Condition is an expr program over the
// evaluation environment; the first rule whose condition is true wins.
type Rule struct {
	Name      string
	Condition string
	Effect    Effect
	Reason    string
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// Engine is a first-match rule evaluator.
type Engine struct {
	rules  []compiledRule
	tokens contracts.TokenService
	ttl    time.Duration
}

var _ contracts.PolicyEngine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithTokenService routes decision-token minting through an external signer
// instead of locally generated opaque ids.
func WithTokenService(ts contracts.TokenService, ttl time.Duration) Option {
	return func(e *Engine) {
		e.tokens = ts
		e.ttl = ttl
	}
}

// NewEngine compiles the rule set. Compilation failures are reported up
// front so a broken rule never reaches the request path.
func NewEngine(rules []Rule, opts ...Option) (*Engine, error) {
	engine := &Engine{ttl: 55 * time.Second}
	for _, opt := range opts {
		opt(engine)
	}
	for _, rule := range rules {
		if rule.Name == "" || rule.Condition == "" {
			return nil, cerrors.New(cerrors.CodeValidation, "policy rule requires name and condition")
		}
		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			return nil, cerrors.Newf(cerrors.CodeValidation, "policy rule %s has unknown effect %q", rule.Name, rule.Effect)
		}
		program, err := expr.Compile(rule.Condition, expr.AsBool())
		if err != nil {
			return nil, cerrors.Newf(cerrors.CodeValidation,
				"policy rule %s does not compile: %v", rule.Name, err)
		}
		engine.rules = append(engine.rules, compiledRule{rule: rule, program: program})
	}
	return engine, nil
}

// Evaluate runs rules in order and returns the first match. No match is a
// deny. Allows carry a freshly minted decision token.
func (e *Engine) Evaluate(ctx context.Context, input *contracts.PolicyInput) (*contracts.PolicyDecision, error) {
	if input == nil || input.Identity == nil {
		return nil, cerrors.New(cerrors.CodeValidation, "policy input requires an identity")
	}

	env := map[string]any{
		"user_id":      input.Identity.UserID,
		"org_id":       input.Identity.OrgID,
		"groups":       input.Identity.Groups,
		"labels":       map[string]any(input.Identity.Labels),
		"roles":        input.Identity.Roles,
		"entitlements": input.Identity.Entitlements,
		"scopes":       input.Identity.Scopes,
		"action":       input.Action,
		"resource":     input.Resource,
		"environment":  input.Environment,
	}
	if env["labels"] == nil {
		env["labels"] = map[string]any{}
	}
	if env["environment"] == nil {
		env["environment"] = map[string]any{}
	}

	for _, compiled := range e.rules {
		result, err := expr.Run(compiled.program, env)
		if err != nil {
			return nil, cerrors.Newf(cerrors.CodeUpstream,
				"policy rule %s failed: %v", compiled.rule.Name, err)
		}
		matched, _ := result.(bool)
		if !matched {
			continue
		}
		decision := &contracts.PolicyDecision{
			Allow:  compiled.rule.Effect == EffectAllow,
			Reason: compiled.rule.Reason,
		}
		if decision.Reason == "" {
			decision.Reason = compiled.rule.Name
		}
		if decision.Allow {
			token, err := e.mintToken(ctx, input)
			if err != nil {
				return nil, err
			}
			decision.DecisionJWT = token
		}
		return decision, nil
	}

	return &contracts.PolicyDecision{Allow: false, Reason: "no rule matched"}, nil
}

// mintToken produces the opaque decision token. The core never inspects it;
// it is only a cache key.
func (e *Engine) mintToken(ctx context.Context, input *contracts.PolicyInput) (string, error) {
	if e.tokens != nil {
		return e.tokens.Sign(ctx, map[string]any{
			"sub":    input.Identity.UserID,
			"org":    input.Identity.OrgID,
			"action": input.Action,
		}, e.ttl)
	}
	return "dec_" + uuid.NewString(), nil
}

// AllowAll is a convenience rule set for local development.
func AllowAll() []Rule {
	return []Rule{{Name: "allow-all", Condition: "true", Effect: EffectAllow, Reason: "default allow"}}
}
