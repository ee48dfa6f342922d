package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONLines(t *testing.T) {
	rows := Rows{
		Columns: []string{"zeta", "alpha"},
		Values: [][]any{
			{"x", int64(1)},
			{nil, 2.5},
			{"z", int64(3)},
		},
	}
	assert.Equal(t, "{\"zeta\":\"x\",\"alpha\":1}\n{\"zeta\":null,\"alpha\":2.5}", rows.JSONLines(2))
	assert.Equal(t, 3, len(splitLines(rows.JSONLines(0))))
	assert.Equal(t, NoResults, Rows{Columns: []string{"a"}}.JSONLines(10))
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestNormalizeColumn(t *testing.T) {
	tests := map[string]string{
		"Data":              "data",
		"Horas Trabalhadas": "horas_trabalhadas",
		" Código-Obra ":     "c_digo_obra",
		"total(R$)":         "total_r__",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeColumn(in), in)
	}
}

func TestConvertDate(t *testing.T) {
	tests := map[string]string{
		"01-03-2024": "2024-03-01",
		"2024-03-01": "2024-03-01",
		"01/03/2024": "01/03/2024",
		"1-3":        "1-3",
	}
	for in, want := range tests {
		assert.Equal(t, want, convertDate(in), in)
	}
}
