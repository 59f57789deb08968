package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/condition"
)

var doc = []byte(`{
	"variables": {"userId": "u1", "amount": 50, "tier": "gold", "tags": ["vip", "beta"], "express": true},
	"steps": {"validate": {"balance": 120, "currency": "USD"}}
}`)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		cond condition.Condition
		want bool
	}{
		{"eq number", condition.Condition{Field: "variables.amount", Operator: condition.OpEq, Value: 50}, true},
		{"eq string", condition.Condition{Field: "variables.tier", Operator: condition.OpEq, Value: "gold"}, true},
		{"neq", condition.Condition{Field: "variables.tier", Operator: condition.OpNeq, Value: "silver"}, true},
		{"neq missing field", condition.Condition{Field: "variables.nope", Operator: condition.OpNeq, Value: "x"}, true},
		{"gt step output", condition.Condition{Field: "steps.validate.balance", Operator: condition.OpGte, Value: 50}, true},
		{"lt false", condition.Condition{Field: "variables.amount", Operator: condition.OpLt, Value: 10}, false},
		{"bool", condition.Condition{Field: "variables.express", Operator: condition.OpEq, Value: true}, true},
		{"contains string", condition.Condition{Field: "variables.userId", Operator: condition.OpContains, Value: "u"}, true},
		{"contains list", condition.Condition{Field: "variables.tags", Operator: condition.OpContains, Value: "vip"}, true},
		{"matches", condition.Condition{Field: "steps.validate.currency", Operator: condition.OpMatches, Value: "^[A-Z]{3}$"}, true},
		{"in", condition.Condition{Field: "variables.tier", Operator: condition.OpIn, Value: []string{"gold", "platinum"}}, true},
		{"not in", condition.Condition{Field: "variables.tier", Operator: condition.OpNotIn, Value: []any{"gold"}}, false},
		{"exists", condition.Condition{Field: "steps.validate", Operator: condition.OpExists}, true},
		{"not exists", condition.Condition{Field: "steps.deduct", Operator: condition.OpExists, Value: false}, true},
		{"missing field eq", condition.Condition{Field: "variables.nope", Operator: condition.OpEq, Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := condition.Evaluate([]condition.Condition{tt.cond}, doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateAllMustHold(t *testing.T) {
	conds := []condition.Condition{
		{Field: "variables.amount", Operator: condition.OpGt, Value: 10},
		{Field: "variables.tier", Operator: condition.OpEq, Value: "silver"},
	}
	got, err := condition.Evaluate(conds, doc)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = condition.Evaluate(nil, nil)
	require.NoError(t, err)
	assert.True(t, got, "no conditions always holds")
}

func TestEvaluateErrors(t *testing.T) {
	_, err := condition.Evaluate([]condition.Condition{{Field: "variables.tier", Operator: condition.OpGt, Value: 1}}, doc)
	assert.Error(t, err)

	_, err = condition.Evaluate([]condition.Condition{{Field: "a", Operator: condition.OpEq, Value: 1}}, []byte("{not json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, condition.Validate([]condition.Condition{
		{Field: "variables.amount", Operator: condition.OpGt, Value: 0},
		{Field: "variables.tier", Operator: condition.OpIn, Value: []any{"gold"}},
	}))

	err := condition.Validate([]condition.Condition{
		{Field: "", Operator: condition.OpEq},
		{Field: "a", Operator: "~="},
		{Field: "b", Operator: condition.OpIn, Value: "gold"},
		{Field: "c", Operator: condition.OpMatches, Value: "("},
	})
	require.Error(t, err)
	for _, frag := range []string{"condition[0]", "condition[1]", "condition[2]", "condition[3]"} {
		assert.Contains(t, err.Error(), frag)
	}
}
