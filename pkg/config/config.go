package config

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/host"
	"github.com/islas/sane-workflows/pkg/hpc"
	"github.com/islas/sane-workflows/pkg/resource"
	"github.com/islas/sane-workflows/pkg/types"
)

// Document is the parsed result of one declarative YAML file: every
// Environment, Host, and Action it defines, ready to register into a
// *scheduler.Scheduler. Hosts is typed `any` because a host may decode to
// either *host.Host or *host.HPCHost depending on its "type" key; both
// satisfy scheduler.Host.
type Document struct {
	Environments map[string]*environment.Environment
	Hosts        map[string]any
	Actions      map[string]*types.Action
}

// Load parses data as one YAML document and builds every entity it
// declares. Environments are built first (Hosts reference them by name),
// then Hosts, then Actions. A malformed entity is a ConfigError-equivalent
// condition and aborts the whole load; an unrecognized key within an
// otherwise well-formed entity is a warning, not an abort.
func Load(data []byte, logger zerolog.Logger) (*Document, error) {
	var top map[string]any
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("config: parsing document: %w", err)
	}
	if top == nil {
		top = map[string]any{}
	}

	doc := &Document{
		Environments: map[string]*environment.Environment{},
		Hosts:        map[string]any{},
		Actions:      map[string]*types.Action{},
	}

	envSection, err := popSectionMapping(top, "environments")
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(envSection) {
		body, err := asMapping("environment", name, envSection[name])
		if err != nil {
			return nil, err
		}
		env, err := buildEnvironment(name, body, logger)
		if err != nil {
			return nil, err
		}
		doc.Environments[name] = env
	}

	hostSection, err := popSectionMapping(top, "hosts")
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(hostSection) {
		body, err := asMapping("host", name, hostSection[name])
		if err != nil {
			return nil, err
		}
		h, err := buildHost(name, body, doc.Environments, logger)
		if err != nil {
			return nil, err
		}
		doc.Hosts[name] = h
	}

	actionSection, err := popSectionMapping(top, "actions")
	if err != nil {
		return nil, err
	}
	for _, id := range sortedKeys(actionSection) {
		body, err := asMapping("action", id, actionSection[id])
		if err != nil {
			return nil, err
		}
		a, err := buildAction(id, body, logger)
		if err != nil {
			return nil, err
		}
		doc.Actions[id] = a
	}

	warnUnused(logger, "document", "", top)
	return doc, nil
}

func popSectionMapping(top map[string]any, key string) (map[string]any, error) {
	v, ok := top[key]
	delete(top, key)
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	section, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: %q must be a mapping of name to definition", key)
	}
	return section, nil
}

func asMapping(kind, name string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: %s %q must be a mapping", kind, name)
	}
	return m, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- generic key-popping helpers, the Go analogue of load_core_config's
// config.pop(...) calls: extract a known key and remove it from the
// mapping so check_unused (here, warnUnused) only ever sees what nothing
// recognized. ---

func popString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	s, _ := v.(string)
	return s
}

func popBool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	delete(m, key)
	b, _ := v.(bool)
	return b, true
}

func popStringSlice(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	return toStringSlice(v)
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func popStringMap(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	return toStringMap(v)
}

func toStringMap(v any) map[string]string {
	src, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, val := range src {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

func popMap(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	mm, _ := v.(map[string]any)
	return mm
}

func popAny(m map[string]any, key string) any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	return v
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// warnUnused logs whatever keys remain in m after every recognized field
// has been popped off. Unknown keys warn, they never abort the load.
func warnUnused(logger zerolog.Logger, kind, name string, m map[string]any) {
	if len(m) == 0 {
		return
	}
	keys := sortedKeys(m)
	logger.Warn().Str("type", kind).Str("name", name).Strs("unused_keys", keys).Msg("unrecognized config keys ignored")
}

// --- Environment ---

// buildEnvironment builds one named Environment from its env_vars and
// lmod_cmds lists, replayed in the order they appear in the document (list
// order is replay order).
func buildEnvironment(name string, body map[string]any, logger zerolog.Logger) (*environment.Environment, error) {
	aliases := popStringSlice(body, "aliases")
	lmodPath := popString(body, "lmod_path")
	envVars := popAny(body, "env_vars")
	lmodCmds := popAny(body, "lmod_cmds")

	env := environment.New(name, aliases, logger)
	env.ModuleBin = lmodPath

	if list, ok := envVars.([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: environment %q: each env_vars entry must be a mapping", name)
			}
			cmd, _ := entry["cmd"].(string)
			variable, _ := entry["var"].(string)
			val, _ := entry["val"].(string)
			if err := env.SetupEnvVar(environment.VarCmd(cmd), variable, val, "config"); err != nil {
				return nil, fmt.Errorf("config: environment %q: %w", name, err)
			}
		}
	}

	if list, ok := lmodCmds.([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: environment %q: each lmod_cmds entry must be a mapping", name)
			}
			cmd, _ := entry["cmd"].(string)
			args := toStringSlice(entry["args"])
			env.SetupModuleCmd(cmd, args, "config")
		}
	}

	warnUnused(logger, "environment", name, body)
	return env, nil
}

// --- Host ---

// buildHost builds either a *host.Host or a *host.HPCHost, dispatching on
// the "type" key ("host", the default, or "hpc"). environments is the set
// already built from the document's top-level environments section; a
// host's own "environments" list names which of those it attaches, and
// "default_env" designates the fallback.
func buildHost(name string, body map[string]any, environments map[string]*environment.Environment, logger zerolog.Logger) (any, error) {
	hostType := popString(body, "type")
	if hostType == "" {
		hostType = "host"
	}
	aliases := popStringSlice(body, "aliases")
	defaultEnv := popString(body, "default_env")
	lmodPath := popString(body, "lmod_path")
	envNames := popStringSlice(body, "environments")
	resourcesRaw := popAny(body, "resources")

	switch hostType {
	case "hpc":
		h, err := buildHPCHost(name, body, aliases, resourcesRaw, logger)
		if err != nil {
			return nil, err
		}
		attachEnvironments(h.Host, envNames, defaultEnv, lmodPath, environments)
		warnUnused(logger, "host", name, body)
		return h, nil

	case "host":
		h := host.New(name, aliases, logger)
		if resourcesRaw != nil {
			totals, ok := resourcesRaw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config: host %q: %q must be a mapping of resource name to amount", name, "resources")
			}
			stringTotals, err := host.BuildNodeClassResources(totals)
			if err != nil {
				return nil, fmt.Errorf("config: host %q: %w", name, err)
			}
			if err := h.Pool.AddResources(stringTotals); err != nil {
				return nil, fmt.Errorf("config: host %q: %w", name, err)
			}
		}
		attachEnvironments(h, envNames, defaultEnv, lmodPath, environments)
		warnUnused(logger, "host", name, body)
		return h, nil

	default:
		return nil, fmt.Errorf("config: host %q: unknown host type %q", name, hostType)
	}
}

func buildHPCHost(name string, body map[string]any, aliases []string, resourcesRaw any, logger zerolog.Logger) (*host.HPCHost, error) {
	queue := popString(body, "queue")
	account := popString(body, "account")
	mappingRaw := popMap(body, "mapping")

	aliasMap := map[string]string{}
	for canonical, srcList := range mappingRaw {
		for _, src := range toStringSlice(srcList) {
			aliasMap[src] = canonical
		}
	}
	mapper := resource.NewMapper(aliasMap)

	model := hpc.NewModel(mapper, logger)
	classes, ok := resourcesRaw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: hpc host %q: %q must be a mapping of node class to spec", name, "resources")
	}

	classNames := make([]string, 0, len(classes))
	for className := range classes {
		classNames = append(classNames, className)
	}
	sort.Strings(classNames)

	for _, className := range classNames {
		classBody, ok := classes[className].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config: hpc host %q: node class %q must be a mapping", name, className)
		}
		nodes := toInt(classBody["nodes"])
		exclusive, _ := classBody["exclusive"].(bool)
		perNodeRaw, _ := classBody["resources"].(map[string]any)

		perNode, err := host.BuildNodeClassResources(perNodeRaw)
		if err != nil {
			return nil, fmt.Errorf("config: hpc host %q: node class %q: %w", name, className, err)
		}
		if err := model.AddNodeClass(className, nodes, exclusive, perNode); err != nil {
			return nil, fmt.Errorf("config: hpc host %q: %w", name, err)
		}
	}

	h := host.NewHPCHost(name, aliases, model, logger)
	h.Queue = queue
	h.Account = account
	return h, nil
}

func attachEnvironments(h *host.Host, names []string, defaultEnv, lmodPath string, environments map[string]*environment.Environment) {
	for _, n := range names {
		env, ok := environments[n]
		if !ok {
			continue
		}
		if env.ModuleBin == "" {
			env.ModuleBin = lmodPath
		}
		h.AddEnvironment(env)
	}
	if defaultEnv != "" {
		h.SetDefaultEnvironment(defaultEnv)
	}
}

// --- Action ---

// buildAction builds one *types.Action. The "type" key names the pkg/action
// Factory the external launcher will instantiate; it is stashed in
// a.Config["type"] since that is where the scheduler's own actionType()
// helper (and cmd/sane-runner) looks for it.
func buildAction(id string, body map[string]any, logger zerolog.Logger) (*types.Action, error) {
	a := types.NewAction(id)

	actionType := popString(body, "type")
	if actionType == "" {
		actionType = "shell"
	}
	if cfg := popMap(body, "config"); cfg != nil {
		a.Config = cfg
	}
	a.Config["type"] = actionType

	a.Environment = popString(body, "environment")
	a.TimeLimit = popString(body, "timelimit")
	if v, ok := popBool(body, "local"); ok {
		a.Local = &v
	}

	if deps := popMap(body, "dependencies"); deps != nil {
		for upstream, kindRaw := range deps {
			kind := types.AfterOK
			if s, ok := kindRaw.(string); ok && s != "" {
				kind = types.DependencyKind(s)
			}
			if !types.ValidDependencyKind(kind) {
				return nil, fmt.Errorf("config: action %q: unknown dependency kind %q for upstream %q", id, kind, upstream)
			}
			a.Dependencies[upstream] = kind
		}
	}

	if resources := popStringMap(body, "resources"); resources != nil {
		a.Resources = resources
	}

	warnUnused(logger, "action", id, body)
	return a, nil
}
