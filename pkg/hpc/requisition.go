// Package hpc implements the HPC requisition planner: it
// packs a flat resource request across one or more homogeneous node classes
// (PBS "select=" style chunks), greedily choosing the class whose per-node
// resources best match what's still unresolved, and emits the submission
// arguments a PBS-style scheduler expects.
package hpc

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/islas/sane-workflows/pkg/resource"
)

// NodeClass is one homogeneous pool of nodes: all nodes in the class offer
// the same per-node resource amounts. Node tracks a single node's capacity
// (used to size how many nodes a request needs); Total tracks the
// aggregate capacity across every node currently allocated to this class,
// and is what Acquire/Release actually reserve against.
type NodeClass struct {
	Name      string
	Exclusive bool
	Nodes     int
	Node      *resource.Pool
	Total     *resource.Pool
}

func newNodeClass(name string, nodes int, exclusive bool, perNode map[string]string, logger zerolog.Logger) (*NodeClass, error) {
	node := resource.NewPool(logger)
	if err := node.AddResources(perNode); err != nil {
		return nil, fmt.Errorf("hpc: node class %q: %w", name, err)
	}

	total := resource.NewPool(logger)
	totals := make(map[string]string, len(perNode)+1)
	for name, raw := range perNode {
		amount, err := resource.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("hpc: node class %q: %w", name, err)
		}
		aggregate := resource.Amount{Total: amount.Total * int64(nodes), Unit: amount.Unit}
		totals[name] = aggregate.String()
	}
	totals["nodes"] = strconv.Itoa(nodes)
	if err := total.AddResources(totals); err != nil {
		return nil, fmt.Errorf("hpc: node class %q: %w", name, err)
	}

	return &NodeClass{Name: name, Exclusive: exclusive, Nodes: nodes, Node: node, Total: total}, nil
}

// Model is a named collection of node classes forming the requisitioning
// surface for one host: the set of node types the planner may draw from.
type Model struct {
	classes map[string]*NodeClass
	order   []string
	mapper  resource.Mapper
	logger  zerolog.Logger
}

// NewModel returns an empty Model. mapper resolves generic resource names
// ("gpus") to the class-specific names ("gpus:a100") node classes declare.
func NewModel(mapper resource.Mapper, logger zerolog.Logger) *Model {
	return &Model{classes: map[string]*NodeClass{}, mapper: mapper, logger: logger}
}

// AddNodeClass declares a homogeneous node class with nodes nodes, each
// offering perNode resources. exclusive means a request against this class
// is always rounded up to consume whole nodes' worth of every resource.
func (m *Model) AddNodeClass(name string, nodes int, exclusive bool, perNode map[string]string) error {
	if _, exists := m.classes[name]; exists {
		return fmt.Errorf("hpc: node class %q already declared", name)
	}
	class, err := newNodeClass(name, nodes, exclusive, perNode, m.logger)
	if err != nil {
		return err
	}
	m.classes[name] = class
	m.order = append(m.order, name)
	return nil
}

// ClassNames returns node class names in declaration order.
func (m *Model) ClassNames() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Class returns a declared node class by name.
func (m *Model) Class(name string) (*NodeClass, bool) {
	c, ok := m.classes[name]
	return c, ok
}

// ChunkPlan is one homogeneous slice of a Requisition: how many nodes of
// one node class are needed, the aggregate amounts to reserve from that
// class's total pool (Amounts, including the "nodes" resource itself), and
// the per-node amounts to request on each node (SelectAmounts, used to
// render the select= submission string).
type ChunkPlan struct {
	Class         string
	Nodes         int
	Amounts       map[string]string
	SelectAmounts map[string]string
}

// Requisition is the ordered set of chunks a Plan call resolved a request
// into. Order is preserved from resolution, which is also submission order.
type Requisition []ChunkPlan

var selectPairPattern = regexp.MustCompile(`(\w+)=([^:]+)`)

// ParseSelect parses a PBS "select=" argument into one resource-dict per
// '+'-separated chunk. Each chunk is "<nodecount>[:res=amount]*"; the bare
// leading count (no '=') becomes the "nodes" key of that chunk's dict.
func ParseSelect(spec string) []map[string]string {
	var chunks []map[string]string
	for _, part := range strings.Split(spec, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dict := map[string]string{}
		fields := strings.Split(part, ":")
		if n, err := strconv.Atoi(fields[0]); err == nil {
			dict["nodes"] = strconv.Itoa(n)
			fields = fields[1:]
		}
		for _, f := range fields {
			m := selectPairPattern.FindStringSubmatch(f)
			if m != nil {
				dict[m[1]] = m[2]
			}
		}
		chunks = append(chunks, dict)
	}
	return chunks
}

// Plan resolves request into a Requisition against this model's node
// classes. request may carry a "select" key, in which case it is parsed
// with ParseSelect and each chunk is packed independently by the same greedy
// node-class selection; otherwise the whole of request is treated as one
// chunk to pack.
//
// Plan does not mutate any class's Total pool. Call Acquire afterward to
// actually reserve the returned Requisition, mirroring the
// check-then-acquire split used throughout the resource package.
func (m *Model) Plan(request map[string]string, requestor string) (bool, Requisition, error) {
	// A manual select specification is authoritative: its chunks are used
	// as written, with no alias mapping applied.
	var chunks []map[string]string
	if sel, ok := request["select"]; ok {
		chunks = ParseSelect(sel)
	} else {
		chunks = []map[string]string{m.mapper.Apply(request)}
	}

	var requisition Requisition
	resolved := true

	for _, chunk := range chunks {
		ok, plan, err := m.planChunk(chunk, requestor)
		if err != nil {
			return false, nil, err
		}
		resolved = resolved && ok
		requisition = append(requisition, plan...)
	}

	return resolved, requisition, nil
}

func (m *Model) planChunk(chunk map[string]string, requestor string) (bool, []ChunkPlan, error) {
	availableResources := map[string]bool{}
	for _, name := range m.order {
		for res := range m.classes[name].Node.Totals() {
			availableResources[res] = true
		}
	}
	availNames := make([]string, 0, len(availableResources))
	for res := range availableResources {
		availNames = append(availNames, res)
	}
	sort.Strings(availNames)

	// Convert generic resource names to the specific variant the classes
	// declare ("gpus" becomes "gpus:a100" when a class offers that variant).
	specified := make(map[string]string, len(chunk))
	for res, amt := range chunk {
		renamed := res
		for _, avail := range availNames {
			if res != avail && res == strings.SplitN(avail, ":", 2)[0] {
				renamed = avail
				break
			}
		}
		specified[renamed] = amt
	}

	numericResources := map[string]bool{}
	for res := range specified {
		if res == "nodes" {
			continue
		}
		if _, err := resource.Parse(specified[res]); err == nil {
			numericResources[res] = true
		}
	}

	required := map[string]bool{}
	for res := range availableResources {
		if numericResources[res] {
			required[res] = true
		}
	}

	remaining := map[string]string{}
	for res, amt := range specified {
		if res != "nodes" {
			remaining[res] = amt
		}
	}
	requestedNodes, explicitNodes := specified["nodes"]

	visited := map[string]bool{}
	var plans []ChunkPlan
	satisfied := map[string]bool{}

	for len(satisfied) != len(required) {
		var bestClass string
		var bestOverlap map[string]bool

		for _, name := range m.order {
			if visited[name] {
				continue
			}
			overlap := map[string]bool{}
			for res := range m.classes[name].Node.Totals() {
				if required[res] {
					overlap[res] = true
				}
			}
			if len(overlap) > len(bestOverlap) {
				bestOverlap = overlap
				bestClass = name
			}
		}
		if bestClass == "" {
			break
		}
		visited[bestClass] = true
		class := m.classes[bestClass]

		nodes := 0
		if explicitNodes {
			n, err := strconv.Atoi(requestedNodes)
			if err != nil {
				return false, nil, fmt.Errorf("hpc: invalid nodes count %q: %w", requestedNodes, err)
			}
			nodes = n
		} else {
			for res := range bestOverlap {
				amt, err := resource.Parse(remaining[res])
				if err != nil {
					continue
				}
				perNodeTotal := class.Node.Totals()[res]
				if perNodeTotal.Total == 0 {
					continue
				}
				needed := int(math.Ceil(float64(amt.Total) / float64(perNodeTotal.Total)))
				if needed > nodes {
					nodes = needed
				}
			}
			if nodes == 0 {
				nodes = 1
			}
		}

		if ok, _ := class.Total.Available(map[string]string{"nodes": strconv.Itoa(nodes)}, requestor); !ok {
			m.logger.Debug().Str("class", bestClass).Msg("not enough nodes available")
			continue
		}

		selectAmounts := map[string]string{}
		amounts := map[string]string{}
		for res := range class.Node.Totals() {
			raw, has := remaining[res]
			var amount resource.Amount
			if has {
				var err error
				amount, err = resource.Parse(raw)
				if err != nil {
					return false, nil, err
				}
			}

			perNode := class.Node.Totals()[res]

			if class.Exclusive {
				exclusive := resource.Amount{Total: perNode.Total * int64(nodes), Unit: perNode.Unit}
				if exclusive.Total != amount.Total {
					m.logger.Info().
						Str("class", bestClass).
						Str("resource", res).
						Str("from", amount.String()).
						Str("to", exclusive.String()).
						Msg("node class is exclusive, rounding acquisition up to whole nodes")
				}
				amount = exclusive
			}

			if amount.Total == 0 {
				continue
			}

			if ok, _ := class.Total.Available(map[string]string{res: amount.String()}, requestor); !ok {
				continue
			}
			amounts[res] = amount.String()

			selectPerNode := int64(math.Ceil(float64(amount.Total) / float64(nodes)))
			if selectPerNode > 0 {
				selectAmounts[res] = resource.Amount{Total: selectPerNode, Unit: perNode.Unit}.String()
			}
		}
		amounts["nodes"] = strconv.Itoa(nodes)

		plans = append(plans, ChunkPlan{Class: bestClass, Nodes: nodes, Amounts: amounts, SelectAmounts: selectAmounts})

		for res, amt := range amounts {
			if res == "nodes" {
				continue
			}
			current, err := resource.Parse(remaining[res])
			if err != nil {
				continue
			}
			delta, err := resource.Parse(amt)
			if err != nil {
				continue
			}
			left := current.Sub(delta)
			remaining[res] = left.String()
			if left.Total <= 0 {
				satisfied[res] = true
			}
		}
	}

	unresolved := false
	for res := range remaining {
		if satisfied[res] {
			continue
		}
		if amt, err := resource.Parse(remaining[res]); err == nil && amt.Total > 0 {
			unresolved = true
		}
	}

	return !unresolved, plans, nil
}

// Acquire reserves every chunk of r against its node class's Total pool,
// replaying each chunk's Amounts exactly as Plan resolved them. It is
// all-or-nothing: if any chunk cannot be acquired, chunks already reserved
// earlier in the call are released before returning false.
func (m *Model) Acquire(r Requisition, requestor string) (bool, error) {
	var acquired Requisition
	for _, chunk := range r {
		class, ok := m.classes[chunk.Class]
		if !ok {
			m.releaseChunks(acquired, requestor)
			return false, fmt.Errorf("hpc: unknown node class %q", chunk.Class)
		}
		ok2, err := class.Total.Acquire(chunk.Amounts, requestor)
		if err != nil || !ok2 {
			m.releaseChunks(acquired, requestor)
			return false, err
		}
		acquired = append(acquired, chunk)
	}
	return true, nil
}

// Release returns every chunk of r to its node class's Total pool, the
// exact Amounts a matching Acquire reserved.
func (m *Model) Release(r Requisition, requestor string) {
	m.releaseChunks(r, requestor)
}

func (m *Model) releaseChunks(r Requisition, requestor string) {
	for _, chunk := range r {
		class, ok := m.classes[chunk.Class]
		if !ok {
			continue
		}
		class.Total.Release(chunk.Amounts, requestor)
	}
}

// Arg is one PBS-style submission argument, e.g. {"-l", "select=2:ncpus=4"}.
type Arg struct {
	Flag  string
	Value string
}

// SubmitArgs renders r as the PBS "-l select=..." argument pair:
// the first chunk begins with "select=N", and subsequent chunks
// are joined with '+', one per homogeneous node class.
func (r Requisition) SubmitArgs() []Arg {
	if len(r) == 0 {
		return nil
	}

	var parts []string
	for _, chunk := range r {
		var tokens []string
		tokens = append(tokens, strconv.Itoa(chunk.Nodes))

		var resNames []string
		for res := range chunk.SelectAmounts {
			resNames = append(resNames, res)
		}
		sort.Strings(resNames)
		for _, res := range resNames {
			tokens = append(tokens, fmt.Sprintf("%s=%s", res, chunk.SelectAmounts[res]))
		}
		parts = append(parts, strings.Join(tokens, ":"))
	}

	return []Arg{{Flag: "-l", Value: "select=" + strings.Join(parts, "+")}}
}
