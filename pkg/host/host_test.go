package host

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/hpc"
	"github.com/islas/sane-workflows/pkg/resource"
	"github.com/islas/sane-workflows/pkg/types"
)

func TestMatchPartialSubstring(t *testing.T) {
	h := New("login01", []string{"login"}, zerolog.Nop())
	assert.True(t, h.Match("login01.cluster.example.com"))
	assert.True(t, h.Match("login.example.com"))
	assert.False(t, h.Match("compute03.example.com"))
}

func TestHasEnvironmentFallsBackToDefault(t *testing.T) {
	h := New("login01", nil, zerolog.Nop())
	gnu := environment.New("gnu", nil, zerolog.Nop())
	intel := environment.New("intel", []string{"icc"}, zerolog.Nop())
	h.AddEnvironment(gnu)
	h.AddEnvironment(intel)
	h.SetDefaultEnvironment("gnu")

	env, ok := h.HasEnvironment("")
	require.True(t, ok)
	assert.Equal(t, "gnu", env.Name)

	env, ok = h.HasEnvironment("icc")
	require.True(t, ok)
	assert.Equal(t, "intel", env.Name)

	_, ok = h.HasEnvironment("nonexistent")
	assert.False(t, ok)
}

func TestHostAcquireReleaseRoundTrip(t *testing.T) {
	h := New("login01", nil, zerolog.Nop())
	require.NoError(t, h.Pool.AddResources(map[string]string{"ncpus": "4"}))

	ok, err := h.AcquireResources(map[string]string{"ncpus": "4"}, "action-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.ResourcesAvailable(map[string]string{"ncpus": "1"}, "action-b")
	require.NoError(t, err)
	assert.False(t, ok)

	h.ReleaseResources(map[string]string{"ncpus": "4"}, "action-a")
	ok, err = h.ResourcesAvailable(map[string]string{"ncpus": "1"}, "action-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArtifactCarriesFullEnvironmentDefinition(t *testing.T) {
	h := New("login01", nil, zerolog.Nop())
	gnu := environment.New("gnu", nil, zerolog.Nop())
	gnu.ModuleBin = "/usr/bin/module"
	gnu.SetupModuleCmd("load", []string{"gcc/12"}, "compiler")
	require.NoError(t, gnu.SetupEnvVar(environment.Set, "CC", "gcc", "compiler"))
	h.AddEnvironment(gnu)

	artifact := h.Artifact()
	require.Len(t, artifact.Environments, 1)
	env := artifact.Environments[0]
	assert.Equal(t, "/usr/bin/module", env.ModuleBin)
	require.Len(t, env.ModuleCmds, 1)
	assert.Equal(t, "load", env.ModuleCmds[0].Cmd)
	require.Len(t, env.EnvVars, 1)
	assert.Equal(t, "CC", env.EnvVars[0].Var)
}

func TestBaseLaunchWrapperIsANoOp(t *testing.T) {
	h := New("login01", nil, zerolog.Nop())
	action := types.NewAction("a")
	cmd, args, err := h.LaunchWrapper(action, nil)
	require.NoError(t, err)
	assert.Equal(t, "", cmd)
	assert.Nil(t, args)
}

func newTestModel(t *testing.T) *hpc.Model {
	t.Helper()
	m := hpc.NewModel(resource.NewMapper(nil), zerolog.Nop())
	require.NoError(t, m.AddNodeClass("cpu_nodes", 4, true, map[string]string{
		"ncpus":  "128",
		"memory": "256gb",
	}))
	return m
}

func TestHPCHostLaunchesLocallyWhenActionForcesLocal(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	local := true
	action := types.NewAction("a")
	action.Local = &local

	cmd, args, err := hpcHost.LaunchWrapper(action, nil)
	require.NoError(t, err)
	assert.Equal(t, "", cmd)
	assert.Nil(t, args)
}

func TestHPCHostLaunchWrapperRequiresQueueAndAccount(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	action := types.NewAction("a")
	action.LogDir = "/tmp"

	_, _, err := hpcHost.LaunchWrapper(action, nil)
	assert.Error(t, err)
}

func TestHPCHostAcquireThenLaunchWrapperEmitsSelectArgs(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	hpcHost.Queue = "batch"
	hpcHost.Account = "proj"

	action := types.NewAction("a")
	action.LogDir = "/tmp"

	ok, err := hpcHost.AcquireResources(map[string]string{"ncpus": "128"}, "a")
	require.NoError(t, err)
	require.True(t, ok)

	cmd, args, err := hpcHost.LaunchWrapper(action, nil)
	require.NoError(t, err)
	assert.Equal(t, "qsub", cmd)
	assert.Contains(t, args, "-l")
	assert.Contains(t, args, "-q")
	assert.Contains(t, args, "batch")
}

func TestHPCHostPostLaunchRecordsJobID(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	action := types.NewAction("a")

	err := hpcHost.PostLaunch(action, 0, "12345.server\n")
	require.NoError(t, err)

	hpcHost.mu.Lock()
	jobID := hpcHost.jobIDs["a"]
	hpcHost.mu.Unlock()
	assert.Equal(t, "12345", jobID)
}

func TestHPCHostPostLaunchFailsWithoutJobID(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	action := types.NewAction("a")

	err := hpcHost.PostLaunch(action, 0, "no job id here")
	assert.Error(t, err)
}

type fakeChecker struct{ done map[string]bool }

func (f fakeChecker) JobComplete(jobID string) (bool, error) {
	return f.done[jobID], nil
}

func TestPostRunActionsSkipsWaitOnDryRun(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	require.NoError(t, hpcHost.PostRunActions(true))
}

func TestPostRunActionsNoJobsReturnsImmediately(t *testing.T) {
	hpcHost := NewHPCHost("cluster", nil, newTestModel(t), zerolog.Nop())
	require.NoError(t, hpcHost.PostRunActions(false))
}
