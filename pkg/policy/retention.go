// Package policy evaluates memory retention rules written in Rego.
//
// A policy module must be "package retention" and may define:
//
//	keep       bool    store the fragment
//	importance number  0.0 - 1.0
//	text       string  replacement text to store
//	reason     string  free text for logs
//
// The input document is {"owner", "fragment", "lower", "words", "length"}.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

//go:embed default.rego
var defaultRetention string

const retentionQuery = "data.retention"

// Retention is a memory.Policy backed by a prepared Rego query
type Retention struct {
	query *rego.PreparedEvalQuery
}

var _ memory.Policy = (*Retention)(nil)

// NewRetention loads every .rego file in dir
func NewRetention(ctx context.Context, dir string) (*Retention, error) {
	modules, err := loadModules(dir)
	if err != nil {
		return nil, err
	}
	return newRetention(ctx, modules)
}

// NewDefaultRetention uses the built-in rules
func NewDefaultRetention(ctx context.Context) (*Retention, error) {
	return newRetention(ctx, []func(*rego.Rego){rego.Module("default.rego", defaultRetention)})
}

func newRetention(ctx context.Context, modules []func(*rego.Rego)) (*Retention, error) {
	q, err := prepareQuery(ctx, modules, retentionQuery)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare retention policy")
	}
	return &Retention{query: q}, nil
}

type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

func (r *Retention) Evaluate(ctx context.Context, owner model.OwnerID, fragment string) (*memory.Decision, error) {
	lower := strings.ToLower(fragment)
	input := map[string]any{
		"owner":    string(owner),
		"fragment": fragment,
		"lower":    lower,
		"words":    len(strings.Fields(fragment)),
		"length":   len(fragment),
	}

	rs, err := r.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate retention policy", goerr.V("owner", owner))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &memory.Decision{Keep: false, Reason: "no retention rule matched"}, nil
	}

	// numbers come back as json.Number, so round-trip through JSON
	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal retention result")
	}
	var d memory.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, goerr.Wrap(err, "unexpected retention result", goerr.V("result", string(raw)))
	}
	d.Importance = min(max(d.Importance, 0), 1)
	return &d, nil
}
