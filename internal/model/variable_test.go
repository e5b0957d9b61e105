package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariable_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		v       Variable
		wantErr string
	}{
		{
			name: "valid text",
			v:    Variable{Name: "title", Type: VariableText},
		},
		{
			name:    "missing name",
			v:       Variable{Type: VariableText},
			wantErr: "name is required",
		},
		{
			name:    "unknown type",
			v:       Variable{Name: "x", Type: "IMAGE"},
			wantErr: "unknown type",
		},
		{
			name:    "category without rules",
			v:       Variable{Name: "sector", Type: VariableCategory},
			wantErr: "CATEGORY requires classification rules",
		},
		{
			name:    "category with empty rules",
			v:       Variable{Name: "sector", Type: VariableCategory, ClassificationRules: &ClassificationRules{}},
			wantErr: "CATEGORY requires classification rules",
		},
		{
			name: "category with rules",
			v: Variable{Name: "sector", Type: VariableCategory, ClassificationRules: &ClassificationRules{
				Categories: []Category{{Name: "Finance"}},
			}},
		},
		{
			name:    "threshold out of range",
			v:       Variable{Name: "n", Type: VariableNumber, UncertaintyPolicy: UncertaintyPolicy{ConfidenceThreshold: 120}},
			wantErr: "outside 0-100",
		},
		{
			name:    "bad uncertain action",
			v:       Variable{Name: "n", Type: VariableNumber, UncertaintyPolicy: UncertaintyPolicy{IfUncertainAction: "guess"}},
			wantErr: "if_uncertain_action",
		},
		{
			name:    "bad multiple action",
			v:       Variable{Name: "n", Type: VariableNumber, UncertaintyPolicy: UncertaintyPolicy{MultipleValuesAction: "sum"}},
			wantErr: "multiple_values_action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.v.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestVariable_PromptExamples(t *testing.T) {
	t.Parallel()

	var examples []GoldenExample
	for i := 0; i < 8; i++ {
		examples = append(examples, GoldenExample{Excerpt: "ex", ExpectedValue: i, IncludeInPrompt: i != 1})
	}
	v := Variable{GoldenExamples: examples}

	got := v.PromptExamples(5)
	assert.Len(t, got, 5)
	assert.Equal(t, 0, got[0].ExpectedValue)
	assert.Equal(t, 2, got[1].ExpectedValue)
}

func TestProject_IsEntityLevel(t *testing.T) {
	t.Parallel()

	var nilProject *Project
	assert.False(t, nilProject.IsEntityLevel())
	assert.False(t, (&Project{}).IsEntityLevel())
	assert.False(t, (&Project{UnitOfObservation: &UnitOfObservation{RowsPerDocument: "one"}}).IsEntityLevel())
	assert.True(t, (&Project{UnitOfObservation: &UnitOfObservation{RowsPerDocument: "multiple"}}).IsEntityLevel())
	assert.True(t, (&Project{UnitOfObservation: &UnitOfObservation{RowsPerDocument: " Multiple "}}).IsEntityLevel())
}

func TestEntity_StoredText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Acme pays 10.", Entity{Label: "Acme", Text: "Acme pays 10."}.StoredText())
	assert.Equal(t, "Globex", Entity{Label: "Globex", Text: "  "}.StoredText())
	assert.Equal(t, "Entire document", WholeDocumentEntity().StoredText())
}
