// Copyright 2025 James Ross
package expr

import (
	"testing"

	"github.com/dcf21/eas-orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExpression(t *testing.T) {
	assert.True(t, IsExpression(`'hi'`))
	assert.True(t, IsExpression(`"hi"`))
	assert.True(t, IsExpression(`(1+1)`))
	assert.False(t, IsExpression(`plain`))
	assert.False(t, IsExpression(``))
}

func TestEvaluateExpressionArithmetic(t *testing.T) {
	v, err := EvaluateExpression(`(1+1==2)`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = EvaluateExpression(`(2*3+4)`, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(10), v)
}

func TestEvaluateExpressionConstants(t *testing.T) {
	v, err := EvaluateExpression(`(constants.day * 2)`, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}

func TestEvaluateExpressionMetadataLookup(t *testing.T) {
	md := map[string]model.MetadataValue{"mes": model.NumberValue(3)}
	v, err := EvaluateExpression(`(metadata['mes'] * 2)`, md)
	require.NoError(t, err)
	assert.Equal(t, float64(6), v)
}

func TestEvaluateExpressionPassthrough(t *testing.T) {
	v, err := EvaluateExpression(`plain_value`, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain_value", v)
}

func TestEvaluateExpressionUnknownNameFails(t *testing.T) {
	_, err := EvaluateExpression(`(metadata['missing'])`, map[string]model.MetadataValue{})
	require.Error(t, err)
	var exprErr *model.ExpressionError
	require.ErrorAs(t, err, &exprErr)
}

func TestEvaluateExpressionDivisionByZero(t *testing.T) {
	_, err := EvaluateExpression(`(1/0)`, nil)
	require.Error(t, err)
}

func TestEvaluateInStructureSkipsTaskList(t *testing.T) {
	structure := map[string]interface{}{
		"name": "'resolved'",
		"task_list": []interface{}{
			map[string]interface{}{"criterion": "(metadata['not_yet_known'])"},
		},
	}
	out, err := EvaluateInStructure(structure, nil)
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "resolved", m["name"])
	// task_list must be untouched — otherwise the unresolved metadata
	// reference inside it would have errored above.
	assert.Equal(t, structure["task_list"], m["task_list"])
}

func TestEvaluateInStructureRecursesLists(t *testing.T) {
	structure := []interface{}{"'a'", "'b'", 3.0}
	out, err := EvaluateInStructure(structure, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", 3.0}, out)
}

func TestEvaluateIdempotentOnLiteral(t *testing.T) {
	structure := map[string]interface{}{"x": 3.0, "y": true, "z": "plain"}
	out1, err := EvaluateInStructure(structure, nil)
	require.NoError(t, err)
	out2, err := EvaluateInStructure(structure, nil)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.Equal(t, structure, out1)
}
