// Package tree implements the branching graph of simulation snapshots.
// Nodes are deep-independent simulator states; edges are the semantic
// operations that produced the child from the parent. Structural changes
// (branch, attach, delete, subscriber wiring) are serialized by the tree's
// lock; only node runs execute concurrently, each owning its snapshot.
package tree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/sim"
)

// Client errors the HTTP layer maps to 4xx.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrNodeAttached  = errors.New("node already attached")
	ErrDeleteRoot    = errors.New("cannot delete the root node")
	ErrNotAttached   = errors.New("node is not attached")
	ErrParentMissing = errors.New("parent node not found")
)

// defaultLogCap bounds each node's event log. 0 disables the cap.
const defaultLogCap = 10000

// Options tune a tree.
type Options struct {
	// NodeLogCap is the per-node event log retention (ring buffer, oldest
	// dropped first). 0 keeps everything.
	NodeLogCap int `json:"node_log_cap"`
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{NodeLogCap: defaultLogCap}
}

// Node is one snapshot of the world plus its event log.
type Node struct {
	ID          int
	Parent      int // -1 for the root
	Depth       int // -1 while unattached
	EdgeType    string
	Ops         []models.Op
	Fingerprint string
	Sim         *sim.Simulator
	Logs        []models.StreamEvent
	Meta        map[string]any

	opsApplied bool
}

// TreeBroadcast receives every event from running nodes, enriched with the
// node id.
type TreeBroadcast func(ev models.StreamEvent)

// SimTree is the branching graph of snapshots.
type SimTree struct {
	mu       sync.RWMutex
	nodes    map[int]*Node
	children map[int][]int
	root     int
	nextID   int
	clients  *llm.Clients
	opts     Options

	treeBroadcast TreeBroadcast
	nodeSubs      map[int][]chan models.StreamEvent
	running       map[int]context.CancelFunc

	logger *slog.Logger
}

// New creates a tree whose root (id 0, depth 0, edge "root") owns the given
// simulator.
func New(initial *sim.Simulator, clients *llm.Clients, opts Options) *SimTree {
	t := &SimTree{
		nodes:    map[int]*Node{},
		children: map[int][]int{},
		nextID:   1,
		clients:  clients,
		opts:     opts,
		nodeSubs: map[int][]chan models.StreamEvent{},
		running:  map[int]context.CancelFunc{},
		logger:   slog.Default().With("component", "simtree"),
	}
	root := &Node{ID: 0, Parent: -1, Depth: 0, EdgeType: "root", Sim: initial}
	t.nodes[0] = root
	t.attachLogHandler(root)
	return t
}

// Root returns the root node id.
func (t *SimTree) Root() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Node returns a node by id.
func (t *SimTree) Node(id int) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Children returns the attached children of a parent, in attach order.
func (t *SimTree) Children(parent int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]int(nil), t.children[parent]...)
}

// NodeLogs returns a copy of a node's event log.
func (t *SimTree) NodeLogs(id int) []models.StreamEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return append([]models.StreamEvent(nil), n.Logs...)
}

// Running reports the node ids with an in-flight run.
func (t *SimTree) Running() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.running))
	for id := range t.running {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// ForEachNode visits every attached node in id order under the tree lock.
// Used for whole-tree maintenance like knowledge hot-patching; fn must not
// call back into the tree.
func (t *SimTree) ForEachNode(fn func(n *Node)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.nodes))
	for id, n := range t.nodes {
		if n.Depth >= 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		fn(t.nodes[id])
	}
}

// CopySim deep-clones a node's simulator into a new, unattached node.
// Speculative children are prepared here and committed with Attach.
func (t *SimTree) CopySim(parentID int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.nodes[parentID]
	if !ok {
		return 0, fmt.Errorf("copy sim from %d: %w", parentID, ErrParentMissing)
	}
	clone := parent.Sim.Clone()
	clone.ResetPending()
	id := t.nextID
	t.nextID++
	child := &Node{ID: id, Parent: parentID, Depth: -1, Sim: clone}
	t.nodes[id] = child
	t.attachLogHandler(child)
	return id, nil
}

// Attach commits a prepared child under its parent. Duplicate fingerprints
// are idempotent: the existing child id is returned and the prepared node
// is discarded.
func (t *SimTree) Attach(parentID int, ops []models.Op, childID int) (int, error) {
	t.mu.Lock()
	id, attached, err := t.attachLocked(parentID, ops, childID)
	t.mu.Unlock()
	if attached != nil {
		t.announceAttach(attached)
	}
	return id, err
}

// attachLocked mutates the graph under t.mu and returns the newly attached
// node, nil for the idempotent duplicate case. The attached event is
// dispatched by the caller after unlocking, the same discipline
// DeleteSubtree follows, because dispatch takes t.mu itself.
func (t *SimTree) attachLocked(parentID int, ops []models.Op, childID int) (int, *Node, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return 0, nil, fmt.Errorf("attach under %d: %w", parentID, ErrParentMissing)
	}
	child, ok := t.nodes[childID]
	if !ok {
		return 0, nil, fmt.Errorf("attach node %d: %w", childID, ErrNodeNotFound)
	}
	if child.Depth >= 0 {
		return 0, nil, fmt.Errorf("attach node %d: %w", childID, ErrNodeAttached)
	}
	fp := fingerprint(parentID, ops)
	for _, sibling := range t.children[parentID] {
		if t.nodes[sibling].Fingerprint == fp {
			delete(t.nodes, childID)
			delete(t.nodeSubs, childID)
			return sibling, nil, nil
		}
	}
	child.Depth = parent.Depth + 1
	child.EdgeType = deriveEdgeType(ops)
	child.Ops = append([]models.Op(nil), ops...)
	child.Fingerprint = fp
	t.children[parentID] = append(t.children[parentID], childID)
	return childID, child, nil
}

// announceAttach dispatches the attached event for a freshly committed node.
func (t *SimTree) announceAttach(child *Node) {
	t.dispatch(models.StreamEvent{
		Type: models.TypeAttached,
		Data: map[string]any{"parent": child.Parent, "edge_type": child.EdgeType, "ops": child.Ops},
		Node: child.ID,
	}, child)
}

// Branch atomically copies and attaches: the standard way to grow the tree.
func (t *SimTree) Branch(parentID int, ops []models.Op) (int, error) {
	t.mu.Lock()
	parent, ok := t.nodes[parentID]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("branch from %d: %w", parentID, ErrParentMissing)
	}
	// Duplicate check before cloning so idempotent re-branches stay cheap.
	fp := fingerprint(parentID, ops)
	for _, sibling := range t.children[parentID] {
		if t.nodes[sibling].Fingerprint == fp {
			t.mu.Unlock()
			return sibling, nil
		}
	}
	clone := parent.Sim.Clone()
	clone.ResetPending()
	id := t.nextID
	t.nextID++
	child := &Node{ID: id, Parent: parentID, Depth: -1, Sim: clone}
	t.nodes[id] = child
	t.attachLogHandler(child)
	id, attached, err := t.attachLocked(parentID, ops, id)
	t.mu.Unlock()
	if attached != nil {
		t.announceAttach(attached)
	}
	return id, err
}

// DeleteSubtree removes a node and all its descendants. In-flight runs on
// deleted nodes are cancelled; they stop at their next quiescence point.
func (t *SimTree) DeleteSubtree(nodeID int) error {
	t.mu.Lock()
	if nodeID == t.root {
		t.mu.Unlock()
		return ErrDeleteRoot
	}
	node, ok := t.nodes[nodeID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("delete subtree %d: %w", nodeID, ErrNodeNotFound)
	}

	doomed := []int{nodeID}
	for i := 0; i < len(doomed); i++ {
		doomed = append(doomed, t.children[doomed[i]]...)
	}
	for _, id := range doomed {
		if cancel, running := t.running[id]; running {
			cancel()
			delete(t.running, id)
		}
		delete(t.nodes, id)
		delete(t.children, id)
		delete(t.nodeSubs, id)
	}
	siblings := t.children[node.Parent]
	for i, id := range siblings {
		if id == nodeID {
			t.children[node.Parent] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	broadcast := t.treeBroadcast
	t.mu.Unlock()

	if broadcast != nil {
		broadcast(models.StreamEvent{
			Type: models.TypeDeleted,
			Data: map[string]any{"nodes": doomed},
			Node: nodeID,
		})
	}
	return nil
}

// Frontier returns the attached leaves, optionally only those at the
// maximum depth.
func (t *SimTree) Frontier(onlyMaxDepth bool) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaves := t.leavesLocked()
	if !onlyMaxDepth {
		return leaves
	}
	maxDepth := 0
	for _, id := range leaves {
		if d := t.nodes[id].Depth; d > maxDepth {
			maxDepth = d
		}
	}
	out := leaves[:0]
	for _, id := range leaves {
		if t.nodes[id].Depth == maxDepth {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns every attached node without attached children.
func (t *SimTree) Leaves() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leavesLocked()
}

func (t *SimTree) leavesLocked() []int {
	var out []int
	for id, n := range t.nodes {
		if n.Depth < 0 {
			continue
		}
		if len(t.children[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// SetTreeBroadcast installs the tree-level fan-out. Only events from
// running nodes reach it.
func (t *SimTree) SetTreeBroadcast(fn TreeBroadcast) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.treeBroadcast = fn
}

// AddNodeSub subscribes a channel to one node's events.
func (t *SimTree) AddNodeSub(nodeID int, ch chan models.StreamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeSubs[nodeID] = append(t.nodeSubs[nodeID], ch)
}

// RemoveNodeSub detaches a subscriber channel.
func (t *SimTree) RemoveNodeSub(nodeID int, ch chan models.StreamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.nodeSubs[nodeID]
	for i, sub := range subs {
		if sub == ch {
			t.nodeSubs[nodeID] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Run executes a node's simulator for the given number of turns, bracketed
// by run_start / run_finish events. Intervention ops (broadcasts) recorded
// on the edge apply once, before the first run. turns <= 0 derives the turn
// count from the node's advance ops.
func (t *SimTree) Run(ctx context.Context, nodeID int, turns int) error {
	t.mu.Lock()
	node, ok := t.nodes[nodeID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("run node %d: %w", nodeID, ErrNodeNotFound)
	}
	if node.Depth < 0 {
		t.mu.Unlock()
		return fmt.Errorf("run node %d: %w", nodeID, ErrNotAttached)
	}
	if _, busy := t.running[nodeID]; busy {
		t.mu.Unlock()
		return fmt.Errorf("run node %d: already running", nodeID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.running[nodeID] = cancel

	applyOps := !node.opsApplied
	node.opsApplied = true
	if turns <= 0 {
		for _, op := range node.Ops {
			if op.Op == models.OpAdvance {
				turns += op.Turns
			}
		}
	}
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		delete(t.running, nodeID)
		t.mu.Unlock()
	}()

	t.dispatch(models.StreamEvent{
		Type: models.TypeRunStart,
		Data: map[string]any{"turns": turns},
		Node: nodeID,
	}, node)

	if applyOps {
		for _, op := range node.Ops {
			if op.Op == models.OpBroadcast {
				node.Sim.Broadcast(eventFromParams(op.Params), receiversFromParams(op.Params))
			}
		}
	}

	err := node.Sim.Run(runCtx, turns)

	t.dispatch(models.StreamEvent{
		Type: models.TypeRunFinish,
		Data: map[string]any{"turns": node.Sim.Turns(), "cancelled": errors.Is(err, context.Canceled)},
		Node: nodeID,
	}, node)
	return err
}

// attachLogHandler routes a node's simulator events into its log and out to
// subscribers.
func (t *SimTree) attachLogHandler(node *Node) {
	nid := node.ID
	node.Sim.SetEmitter(func(ev models.StreamEvent) {
		ev.Node = nid
		t.dispatch(ev, node)
	})
}

// dispatch appends an enriched event to the node log, delivers it to the
// node's subscribers and offers it to the tree broadcaster (running nodes
// only). Slow subscribers are dropped-on-full, never blocked on.
func (t *SimTree) dispatch(ev models.StreamEvent, node *Node) {
	t.mu.Lock()
	node.Logs = append(node.Logs, ev)
	if limit := t.opts.NodeLogCap; limit > 0 && len(node.Logs) > limit {
		node.Logs = node.Logs[len(node.Logs)-limit:]
	}
	subs := append([]chan models.StreamEvent(nil), t.nodeSubs[node.ID]...)
	broadcast := t.treeBroadcast
	_, isRunning := t.running[node.ID]
	if ev.Type == models.TypeAttached || ev.Type == models.TypeDeleted {
		// Structural events always reach the tree broadcaster.
		isRunning = true
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			t.logger.Warn("dropping event for slow subscriber", "node", node.ID, "type", ev.Type)
		}
	}
	if broadcast != nil && isRunning {
		broadcast(ev)
	}
}

// fingerprint hashes (parent, ops) for idempotent attach.
func fingerprint(parentID int, ops []models.Op) string {
	raw, err := json.Marshal(ops)
	if err != nil {
		raw = []byte(fmt.Sprint(ops))
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s", parentID, raw))
	return hex.EncodeToString(sum[:])
}

// deriveEdgeType labels an edge from its ops.
func deriveEdgeType(ops []models.Op) string {
	if len(ops) == 0 {
		return "noop"
	}
	names := make([]string, 0, len(ops))
	seen := map[string]bool{}
	for _, op := range ops {
		if !seen[op.Op] {
			seen[op.Op] = true
			names = append(names, op.Op)
		}
	}
	return strings.Join(names, "+")
}

func eventFromParams(params map[string]any) models.Event {
	ev := models.Event{Kind: models.EventPublic}
	if k, ok := params["kind"].(string); ok && k != "" {
		ev.Kind = models.EventKind(k)
	}
	ev.Sender, _ = params["sender"].(string)
	ev.Content, _ = params["content"].(string)
	return ev
}

func receiversFromParams(params map[string]any) []string {
	raw, ok := params["receivers"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
