package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentdesk/internal/agent"
)

const sampleYAML = `
default: general
agents:
  - name: general
    description: Answers anything.
  - name: researcher
    capabilities: [research, search, "market trends"]
    cross_agent_context: true
    memory: true
  - name: writer
    capabilities: [write, caption, search]
    tools: [thesaurus]
  - name: remote_scraper
    kind: remote
    address: localhost:50051
    capabilities: [scrape]
`

func TestParse(t *testing.T) {
	t.Parallel()
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"general", "researcher", "writer", "remote_scraper"}, r.Names())

	spec, ok := r.Lookup("researcher")
	require.True(t, ok)
	assert.True(t, spec.CrossAgentContext)
	assert.True(t, spec.Memory)
	assert.Equal(t, KindBuiltin, spec.Kind)

	remote, ok := r.Lookup("remote_scraper")
	require.True(t, ok)
	assert.Equal(t, KindRemote, remote.Kind)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	tests := []struct {
		text string
		want string
	}{
		{"Please research market trends for shoes", "researcher"},
		{"write a caption", "writer"},
		// "search" scores one point for both; earlier declaration wins.
		{"search something", "researcher"},
		{"SCRAPE this page!", "remote_scraper"},
		{"hello there", "general"},
		// Whole words only.
		{"researching", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := r.Classify(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()
	r, err := Defaults()
	require.NoError(t, err)
	first, err := r.Classify("find trends and write a post")
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := r.Classify("find trends and write a post")
		require.NoError(t, err)
		assert.Equal(t, first.Name, again.Name)
	}
}

func TestNewRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	_, err := New("", Spec{Name: "a"}, Spec{Name: "a"})
	assert.Error(t, err)

	_, err = New("", Spec{Name: "r", Kind: KindRemote})
	assert.Error(t, err)

	_, err = New("", Spec{Name: "x", Kind: "plugin"})
	assert.Error(t, err)

	_, err = New("missing", Spec{Name: "a"})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestEmptyRegistry(t *testing.T) {
	t.Parallel()
	r, err := New("")
	require.NoError(t, err)
	_, err = r.Classify("anything")
	assert.ErrorIs(t, err, ErrNoAgent)
	_, err = r.Default()
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "general", def.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type closingAgent struct {
	agent.Func
	closed *int
}

func (c closingAgent) Close() error {
	*c.closed++
	return nil
}

func TestBind(t *testing.T) {
	t.Parallel()
	r, err := Defaults()
	require.NoError(t, err)

	b, err := r.Bind(NewResolver(ResolverConfig{}))
	require.NoError(t, err)
	for _, name := range r.Names() {
		a, ok := b.Agent(name)
		require.True(t, ok, name)
		_, isEcho := a.(*agent.EchoAgent)
		assert.True(t, isEcho, name)
	}

	closed := 0
	calls := 0
	_, err = r.Bind(func(s Spec) (agent.Agent, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("boom")
		}
		return closingAgent{
			Func: func(context.Context, agent.Request, agent.Emitter) (agent.Result, error) {
				return agent.Result{}, nil
			},
			closed: &closed,
		}, nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, closed)
}
