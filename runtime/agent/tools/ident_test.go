package tools

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	nonEmptyAlpha := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("ident round-trips tool and method", prop.ForAll(
		func(tool, method string) bool {
			id := NewIdent(tool, method)
			return id.Tool() == tool && id.Method() == method
		},
		nonEmptyAlpha,
		nonEmptyAlpha,
	))

	properties.Property("parse accepts every constructed ident", prop.ForAll(
		func(tool, method string) bool {
			id, err := ParseIdent(NewIdent(tool, method).String())
			return err == nil && id.Tool() == tool && id.Method() == method
		},
		nonEmptyAlpha,
		nonEmptyAlpha,
	))

	properties.Property("parse rejects strings without a separator", prop.ForAll(
		func(s string) bool {
			_, err := ParseIdent(s)
			return err != nil
		},
		nonEmptyAlpha,
	))

	properties.TestingRun(t)
}

func TestParseIdent(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
		tool    string
		method  string
	}{
		{name: "shell run", in: "ShellTool__run", tool: "ShellTool", method: "run"},
		{name: "complete task", in: "SystemCompleteTask__task_complete", tool: "SystemCompleteTask", method: "task_complete"},
		{name: "missing separator", in: "ShellTool.run", wantErr: true},
		{name: "empty tool", in: "__run", wantErr: true},
		{name: "empty method", in: "ShellTool__", wantErr: true},
		{name: "empty string", in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ParseIdent(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.tool, id.Tool())
			assert.Equal(t, tc.method, id.Method())
		})
	}
}

func TestIdentLiterals(t *testing.T) {
	assert.Equal(t, "SystemCompleteTask__task_complete", CompleteTaskIdent.String())
	assert.Equal(t, "ShellTool__run", ShellRunIdent.String())
}
