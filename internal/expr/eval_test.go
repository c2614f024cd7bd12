package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *MapScope {
	return NewMapScope().
		Set("github", Object(map[string]Value{
			"ref":        String("refs/heads/main"),
			"event_name": String("push"),
		})).
		Set("matrix", Object(map[string]Value{
			"os":  String("linux"),
			"go":  Number(1.22),
			"arr": Array(String("a"), String("b")),
		})).
		Set("needs", Object(map[string]Value{
			"build": Object(map[string]Value{
				"result":  String("success"),
				"outputs": StringMap(map[string]string{"version": "1.2.3"}),
			}),
		})).
		Set("env", StringMap(map[string]string{"MODE": "release"}))
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want Value
	}{
		{"string literal", "'hello'", String("hello")},
		{"escaped quote", "'it''s'", String("it's")},
		{"number", "42", Number(42)},
		{"negative float", "-1.5", Number(-1.5)},
		{"hex", "0xff", Number(255)},
		{"null", "null", Null},
		{"bool", "true", Bool(true)},
		{"path", "github.ref", String("refs/heads/main")},
		{"wrapped", "${{ github.ref }}", String("refs/heads/main")},
		{"nested path", "needs.build.outputs.version", String("1.2.3")},
		{"index by string", "needs['build'].result", String("success")},
		{"index by number", "matrix.arr[1]", String("b")},
		{"undefined root", "nope.deeper.still", Null},
		{"undefined property", "github.missing", Null},
		{"index out of range", "matrix.arr[9]", Null},
		{"equality", "github.ref == 'refs/heads/main'", Bool(true)},
		{"inequality", "matrix.os != 'linux'", Bool(false)},
		{"number compare", "matrix.go >= 1.2", Bool(true)},
		{"string compare", "'abc' < 'abd'", Bool(true)},
		{"mixed kinds coerce", "'1' == 1", Bool(true)},
		{"null equals null", "github.missing == null", Bool(true)},
		{"not", "!false", Bool(true)},
		{"and yields right", "true && 'x'", String("x")},
		{"or default", "env.UNSET || 'fallback'", String("fallback")},
		{"precedence", "false || true && false", Bool(false)},
		{"parens", "(false || true) && true", Bool(true)},
		{"contains string", "contains(github.ref, 'MAIN')", Bool(true)},
		{"contains array", "contains(matrix.arr, 'a')", Bool(true)},
		{"startsWith", "startsWith(github.ref, 'refs/heads/')", Bool(true)},
		{"endsWith", "endsWith(github.ref, 'dev')", Bool(false)},
		{"format", "format('{0}-{1} {{x}}', matrix.os, 3)", String("linux-3 {x}")},
		{"join", "join(matrix.arr, '+')", String("a+b")},
		{"fromJSON", "fromJSON('{\"a\":[1,2]}').a[1]", Number(2)},
		{"default success", "success()", Bool(true)},
		{"default failure", "failure()", Bool(false)},
		{"hyphenated names", "needs.build-x.result", Null},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.src, testScope())
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v (%s), got %v (%s)", tt.want, tt.want.Kind(), got, got.Kind())
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

func TestEvaluate_Malformed(t *testing.T) {
	for _, src := range []string{
		"",
		"github.",
		"'unterminated",
		"a ==",
		"(a",
		"contains(a,",
		"a b",
		"@",
		"format('{0}')",
		"nosuchfunc()",
		"contains('a')",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Evaluate(src, testScope())
			require.Error(t, err)
			var ee *ExpressionError
			assert.True(t, errors.As(err, &ee), "got %T", err)
		})
	}
}

func TestCondition(t *testing.T) {
	scope := testScope()

	ok, err := Condition("", scope)
	require.NoError(t, err)
	assert.True(t, ok, "empty condition defaults to success()")

	ok, err = Condition("${{ matrix.os == 'windows' }}", scope)
	require.NoError(t, err)
	assert.False(t, ok)

	failed := scope.Clone()
	for name, fn := range StatusFuncs(false, true, false) {
		failed.SetFunc(name, fn)
	}
	ok, err = Condition("", failed)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Condition("failure()", failed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUsesStatusFunction(t *testing.T) {
	assert.True(t, UsesStatusFunction("always()"))
	assert.True(t, UsesStatusFunction("${{ failure() && github.ref == 'x' }}"))
	assert.True(t, UsesStatusFunction("!Cancelled()"))
	assert.False(t, UsesStatusFunction("github.ref == 'always()'"))
	assert.False(t, UsesStatusFunction("contains(a, b)"))
	assert.False(t, UsesStatusFunction("always("))
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "", Null.String())
	assert.Equal(t, "3", Number(3).String())
	assert.Equal(t, "1.5", Number(1.5).String())
	assert.Equal(t, "false", Bool(false).String())
	assert.Equal(t, `["a",1]`, Array(String("a"), Number(1)).String())
	assert.Equal(t, `{"k":"v"}`, StringMap(map[string]string{"k": "v"}).String())
}

func TestValue_Truthy(t *testing.T) {
	assert.False(t, Null.Truthy())
	assert.False(t, Number(0).Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, String("false").Truthy())
	assert.True(t, Array().Truthy())
	assert.True(t, Object(nil).Truthy())
}
