package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// maxMinutes is the largest budget a time.Duration can hold.
const maxMinutes = float64(math.MaxInt64) / float64(time.Minute)

// Query is the rego rule evaluated for a profile's budget, in minutes.
const Query = "data.kwentura.budget.minutes"

// Policy evaluates per-profile budgets from rego files.
//
// Input document:
//
//	{"profile": "kid", "weekday": "Saturday", "date": "2026-10-24", "hour": 9}
//
// An undefined result or a failed evaluation yields the fallback budget.
type Policy struct {
	dir      string
	fallback time.Duration
	loc      *time.Location
	logger   zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewPolicy loads and compiles every .rego file in dir.
func NewPolicy(dir string, fallback time.Duration, loc *time.Location, logger zerolog.Logger) (*Policy, error) {
	if loc == nil {
		loc = time.Local
	}

	p := &Policy{
		dir:      dir,
		fallback: fallback,
		loc:      loc,
		logger:   logger.With().Str("component", "budget-policy").Logger(),
	}

	if err := p.Reload(); err != nil {
		return nil, err
	}

	p.logger.Info().Str("policy_dir", dir).Dur("fallback", fallback).Msg("Budget policy initialized")
	return p, nil
}

// Reload re-reads the policy directory. The previous query stays in use
// when the new policies fail to compile.
func (p *Policy) Reload() error {
	modules, err := p.loadModules()
	if err != nil {
		return fmt.Errorf("failed to load budget policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	for file, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
		p.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded budget policy module")
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare budget query: %w", err)
	}

	p.mu.Lock()
	p.query = query
	p.mu.Unlock()
	return nil
}

func (p *Policy) loadModules() (map[string]*ast.Module, error) {
	files, err := filepath.Glob(filepath.Join(p.dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", p.dir)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		modules[file] = module
	}
	return modules, nil
}

// Budget evaluates the policy for profile at now.
func (p *Policy) Budget(ctx context.Context, profile string, now time.Time) (time.Duration, error) {
	local := now.In(p.loc)
	input := map[string]interface{}{
		"profile": profile,
		"weekday": local.Weekday().String(),
		"date":    local.Format("2006-01-02"),
		"hour":    local.Hour(),
	}

	p.mu.RLock()
	query := p.query
	p.mu.RUnlock()

	startTime := time.Now()
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		p.logger.Warn().Err(err).Str("profile", profile).Msg("Budget policy evaluation failed, using fallback")
		return p.fallback, nil
	}
	p.logger.Debug().Dur("duration_ms", time.Since(startTime)).Str("profile", profile).Msg("Budget policy evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return p.fallback, nil
	}

	minutes, err := toMinutes(results[0].Expressions[0].Value)
	if err != nil {
		p.logger.Warn().Err(err).Str("profile", profile).Msg("Budget policy returned an unusable value, using fallback")
		return p.fallback, nil
	}
	if minutes < 0 {
		p.logger.Warn().Float64("minutes", minutes).Str("profile", profile).Msg("Budget policy returned a negative budget, using fallback")
		return p.fallback, nil
	}

	if minutes >= maxMinutes {
		p.logger.Warn().Float64("minutes", minutes).Str("profile", profile).Msg("Budget policy returned an out of range budget, using fallback")
		return p.fallback, nil
	}

	return time.Duration(minutes * float64(time.Minute)), nil
}

func toMinutes(v interface{}) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("budget minutes is not a number: %T", v)
	}
}
