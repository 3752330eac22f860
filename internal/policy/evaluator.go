package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/mbd888/storeguard/internal/orders"
)

// Rule is a compiled CEL threshold expression that proposes Action when it
// evaluates to true.
type Rule struct {
	Name     string
	Action   Action
	Expr     string
	Severity Severity
	program  cel.Program
}

// RuleConfig holds the thresholds the default rules are built from. A
// non-empty expression replaces the corresponding default.
type RuleConfig struct {
	RiskThresholdHigh  int
	BlockCODScore      int
	BlockCODRefusals   int
	CityMinOrders      int
	CityReturnRateCeil float64
	UserRuleExpr       string
	CityRuleExpr       string
}

// DefaultRuleConfig returns the production thresholds.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		RiskThresholdHigh:  70,
		BlockCODScore:      90,
		BlockCODRefusals:   3,
		CityMinOrders:      20,
		CityReturnRateCeil: 0.35,
	}
}

// UserFacts are the variables visible to user rules.
type UserFacts struct {
	SubjectID      string
	Score          int
	Band           string
	CODRefusals30d int
	Returns60d     int
	ReturnRate     float64
}

// RuleSet evaluates user and city rules.
type RuleSet struct {
	user []*Rule
	city []*Rule
}

// NewRuleSet compiles the rules for cfg.
func NewRuleSet(cfg RuleConfig) (*RuleSet, error) {
	userEnv, err := cel.NewEnv(
		cel.Variable("score", cel.IntType),
		cel.Variable("band", cel.StringType),
		cel.Variable("cod_refusals_30d", cel.IntType),
		cel.Variable("returns_60d", cel.IntType),
		cel.Variable("return_rate", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user rule environment: %w", err)
	}
	cityEnv, err := cel.NewEnv(
		cel.Variable("city", cel.StringType),
		cel.Variable("orders", cel.IntType),
		cel.Variable("returns", cel.IntType),
		cel.Variable("cod_refusals", cel.IntType),
		cel.Variable("return_rate", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create city rule environment: %w", err)
	}

	prepaidExpr := fmt.Sprintf("score >= %d", cfg.RiskThresholdHigh)
	if cfg.UserRuleExpr != "" {
		prepaidExpr = cfg.UserRuleExpr
	}
	cityExpr := fmt.Sprintf("orders >= %d && return_rate > %.6f", cfg.CityMinOrders, cfg.CityReturnRateCeil)
	if cfg.CityRuleExpr != "" {
		cityExpr = cfg.CityRuleExpr
	}

	rs := &RuleSet{}
	for _, r := range []*Rule{
		{Name: "high_risk_prepaid", Action: RequirePrepaid{}, Expr: prepaidExpr, Severity: SeverityMedium},
		{
			Name:     "cod_abuser_block",
			Action:   BlockCOD{},
			Expr:     fmt.Sprintf("score >= %d && cod_refusals_30d >= %d", cfg.BlockCODScore, cfg.BlockCODRefusals),
			Severity: SeverityHigh,
		},
	} {
		if err := compile(userEnv, r); err != nil {
			return nil, err
		}
		rs.user = append(rs.user, r)
	}

	city := &Rule{Name: "city_return_ceiling", Action: CityRequirePrepaid{}, Expr: cityExpr, Severity: SeverityHigh}
	if err := compile(cityEnv, city); err != nil {
		return nil, err
	}
	rs.city = append(rs.city, city)
	return rs, nil
}

func compile(env *cel.Env, r *Rule) error {
	ast, iss := env.Compile(r.Expr)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("rule %s: compile %q: %w", r.Name, r.Expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("rule %s: expression must return bool, got %s", r.Name, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("rule %s: program: %w", r.Name, err)
	}
	r.program = prg
	return nil
}

// Rules returns the user and city rules, for display.
func (rs *RuleSet) Rules() []*Rule {
	out := make([]*Rule, 0, len(rs.user)+len(rs.city))
	out = append(out, rs.user...)
	return append(out, rs.city...)
}

// EvaluateUser returns the user rules that match f.
func (rs *RuleSet) EvaluateUser(f UserFacts) ([]*Rule, error) {
	return match(rs.user, map[string]any{
		"score":            int64(f.Score),
		"band":             f.Band,
		"cod_refusals_30d": int64(f.CODRefusals30d),
		"returns_60d":      int64(f.Returns60d),
		"return_rate":      f.ReturnRate,
	})
}

// EvaluateCity returns the city rules that match cs.
func (rs *RuleSet) EvaluateCity(cs orders.CityStats) ([]*Rule, error) {
	return match(rs.city, map[string]any{
		"city":         cs.City,
		"orders":       int64(cs.Orders),
		"returns":      int64(cs.Returns),
		"cod_refusals": int64(cs.CODRefusals),
		"return_rate":  cs.ReturnRate,
	})
}

func match(rules []*Rule, vars map[string]any) ([]*Rule, error) {
	var out []*Rule
	for _, r := range rules {
		val, _, err := r.program.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("rule %s: eval: %w", r.Name, err)
		}
		if b, ok := val.Value().(bool); ok && b {
			out = append(out, r)
		}
	}
	return out, nil
}
