package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleYAML = "stages:\n  t:\n    script:\n      - echo hello\n"

func TestParseSimpleTemplate(t *testing.T) {
	tpl, err := Parse(Encode(simpleYAML))
	require.NoError(t, err)

	require.Equal(t, 1, tpl.Stages.Len())
	st, ok := tpl.Stages.Get("t")
	require.True(t, ok)
	assert.Equal(t, "t", st.Name)
	assert.Equal(t, []string{"echo hello"}, st.Script)
}

func TestParseFullTemplate(t *testing.T) {
	src := `image: alpine:3
env:
  GLOBAL: "1"
before:
  script:
    - make deps
after:
  script:
    - make clean
stages:
  build:
    script:
      - make build
  test:
    image: golang:1.25
    env:
      STAGE: test
    script:
      - make test
    depends_on:
      - build
`
	tpl, err := Parse(Encode(src))
	require.NoError(t, err)

	assert.Equal(t, "alpine:3", tpl.Image)
	assert.Equal(t, map[string]string{"GLOBAL": "1"}, tpl.Env)
	require.NotNil(t, tpl.Before)
	assert.Equal(t, []string{"make deps"}, tpl.Before.Script)
	require.NotNil(t, tpl.After)
	assert.Equal(t, []string{"make clean"}, tpl.After.Script)

	assert.Equal(t, []string{"build", "test"}, tpl.Stages.Names())
	st, ok := tpl.Stages.Get("test")
	require.True(t, ok)
	assert.Equal(t, "golang:1.25", st.Image)
	assert.Equal(t, []string{"build"}, st.DependsOn)
}

func TestParsePreservesStageOrder(t *testing.T) {
	src := "stages:\n  z:\n    script: [echo z]\n  a:\n    script: [echo a]\n  m:\n    script: [echo m]\n"
	tpl, err := Parse(Encode(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, tpl.Stages.Names())
}

func TestParseIsIdempotent(t *testing.T) {
	encoded := Encode(simpleYAML)
	first, err := Parse(encoded)
	require.NoError(t, err)
	second, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, first.Stages.Names(), second.Stages.Names())
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "empty stages",
			yaml: "stages: {}\n",
			want: "Pipeline template: [stages cannot be empty]",
		},
		{
			name: "self dependency",
			yaml: "stages:\n  t:\n    script:\n      - echo hi\n    depends_on:\n      - t\n",
			want: "Pipeline template: [stage cannot depend on itself]",
		},
		{
			name: "empty stage script",
			yaml: "stages:\n  t:\n    script: []\n",
			want: "Pipeline template: [stage t script cannot be empty]",
		},
		{
			name: "unknown dependency",
			yaml: "stages:\n  t:\n    script: [echo hi]\n    depends_on: [missing]\n",
			want: "Pipeline template: [stage t depends on unknown stage missing]",
		},
		{
			name: "empty before script",
			yaml: "before:\n  script: []\nstages:\n  t:\n    script: [echo hi]\n",
			want: "Pipeline template: [before script cannot be empty]",
		},
		{
			name: "empty after script",
			yaml: "after:\n  script: []\nstages:\n  t:\n    script: [echo hi]\n",
			want: "Pipeline template: [after script cannot be empty]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(Encode(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestParseAggregatesProblems(t *testing.T) {
	src := "before:\n  script: []\nstages:\n  t:\n    script: []\n"
	_, err := Parse(Encode(src))
	require.Error(t, err)

	tplErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Len(t, tplErr.Problems, 2)
	assert.Contains(t, tplErr.Problems, "before script cannot be empty")
	assert.Contains(t, tplErr.Problems, "stage t script cannot be empty")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("!!!not-base64!!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base64url")

	_, err = Parse(Encode(":\nnot yaml\n  at all: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YAML")
}

func TestLayersSingleStage(t *testing.T) {
	tpl, err := Parse(Encode(simpleYAML))
	require.NoError(t, err)

	layers, err := tpl.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Len(t, layers[0], 1)
	assert.Equal(t, "t", layers[0][0].Name)
}

func TestLayersDiamond(t *testing.T) {
	src := `stages:
  a:
    script: [echo a]
  b:
    script: [echo b]
  c:
    script: [echo c]
    depends_on: [a]
  d:
    script: [echo d]
    depends_on: [b, c]
`
	tpl, err := Parse(Encode(src))
	require.NoError(t, err)

	layers, err := tpl.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)

	assert.Equal(t, []string{"a", "b"}, stageNames(layers[0]))
	assert.Equal(t, []string{"c"}, stageNames(layers[1]))
	assert.Equal(t, []string{"d"}, stageNames(layers[2]))
}

func TestLayersFlattenToAllStages(t *testing.T) {
	src := `stages:
  one:
    script: [echo 1]
  two:
    script: [echo 2]
    depends_on: [one]
  three:
    script: [echo 3]
    depends_on: [one]
  four:
    script: [echo 4]
    depends_on: [two, three]
`
	tpl, err := Parse(Encode(src))
	require.NoError(t, err)

	layers, err := tpl.Layers()
	require.NoError(t, err)

	var flat []string
	for _, layer := range layers {
		flat = append(flat, stageNames(layer)...)
	}
	assert.ElementsMatch(t, tpl.Stages.Names(), flat)

	// Every dependency sits in a strictly earlier layer.
	layerOf := make(map[string]int)
	for i, layer := range layers {
		for _, st := range layer {
			layerOf[st.Name] = i
		}
	}
	for _, name := range tpl.Stages.Names() {
		st, _ := tpl.Stages.Get(name)
		for _, dep := range st.DependsOn {
			assert.Less(t, layerOf[dep], layerOf[name])
		}
	}
}

func stageNames(stages []Stage) []string {
	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, st.Name)
	}
	return names
}
