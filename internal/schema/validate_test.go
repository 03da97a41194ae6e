package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ptrF(v float64) *float64 { return &v }

func TestValidateObjectRequiredFields(t *testing.T) {
	sc := &Schema{
		Kind:     KindObject,
		Required: []string{"sku", "quantity"},
		Properties: map[string]*Schema{
			"sku":      {Kind: KindString},
			"quantity": {Kind: KindInteger, Minimum: ptrF(0)},
		},
	}
	require.NoError(t, sc.Compile())

	violations := Validate(map[string]any{"sku": "ABC123"}, sc)
	require.Len(t, violations, 1)
	require.Contains(t, violations[0].Path, "quantity")
}

func TestValidateOneOfScalarOrObject(t *testing.T) {
	sku := &Schema{
		Kind: KindOneOf,
		OneOf: []*Schema{
			{Kind: KindString},
			{Kind: KindObject, Required: []string{"code"}, Properties: map[string]*Schema{
				"code": {Kind: KindString},
			}},
		},
	}
	require.NoError(t, sku.Compile())

	require.Empty(t, Validate("ABC123", sku))
	require.Empty(t, Validate(map[string]any{"code": "ABC123"}, sku))
	require.NotEmpty(t, Validate(42, sku))
}

func TestValidateArrayItems(t *testing.T) {
	sc := &Schema{Kind: KindArray, Items: &Schema{Kind: KindString}}
	require.Empty(t, Validate([]any{"a", "b"}, sc))

	violations := Validate([]any{"a", 1}, sc)
	require.Len(t, violations, 1)
	require.Contains(t, violations[0].Path, "[1]")
}

func TestValidateStringPatternAndEnum(t *testing.T) {
	sc := &Schema{Kind: KindString, Pattern: `^[A-Z]{3}\d{3}$`, Enum: []any{"ABC123", "XYZ789"}}
	require.NoError(t, sc.Compile())

	require.Empty(t, Validate("ABC123", sc))
	require.NotEmpty(t, Validate("abc123", sc))
	require.NotEmpty(t, Validate("ZZZ999", sc))
}

func TestValidateNumberBounds(t *testing.T) {
	sc := &Schema{Kind: KindNumber, Minimum: ptrF(0), Maximum: ptrF(100)}
	require.Empty(t, Validate(50.0, sc))
	require.NotEmpty(t, Validate(-1.0, sc))
	require.NotEmpty(t, Validate(101.0, sc))
}

func TestValidateNestedObject(t *testing.T) {
	sc := &Schema{
		Kind:     KindObject,
		Required: []string{"order"},
		Properties: map[string]*Schema{
			"order": {
				Kind:     KindObject,
				Required: []string{"items"},
				Properties: map[string]*Schema{
					"items": {Kind: KindArray, Items: &Schema{Kind: KindString}},
				},
			},
		},
	}
	value := map[string]any{
		"order": map[string]any{
			"items": []any{"sku-1", 2},
		},
	}
	violations := Validate(value, sc)
	require.Len(t, violations, 1)
	require.Equal(t, "$.order.items[1]", violations[0].Path)
}
