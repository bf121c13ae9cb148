// Package sim runs one simulation snapshot: a scene, a set of agents and an
// ordering strategy advanced turn by turn. A simulator is single-goroutine
// mutable state; the tree layer owns concurrency across snapshots.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/simloom/simloom/pkg/action"
	"github.com/simloom/simloom/pkg/agent"
	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/ordering"
	"github.com/simloom/simloom/pkg/scene"
)

// tracebackLimit caps recovered panic traces in error events.
const tracebackLimit = 4000

// defaultMaxStepsPerTurn bounds the steps an agent may take in one turn
// before control is forced onward.
const defaultMaxStepsPerTurn = 5

// Emitter receives stream events in emission order.
type Emitter func(ev models.StreamEvent)

// Options tune a simulator.
type Options struct {
	// MaxStepsPerTurn bounds an agent's step loop within a single turn.
	MaxStepsPerTurn int `json:"max_steps_per_turn"`
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{MaxStepsPerTurn: defaultMaxStepsPerTurn}
}

// Simulator advances one snapshot of the simulated world.
type Simulator struct {
	sc      scene.Scene
	clients *llm.Clients

	agents map[string]*agent.Agent
	order  []string

	ord     ordering.Ordering
	pending []models.StreamEvent
	turns   int
	opts    Options
	emit    Emitter
	logger  *slog.Logger
}

// New builds an empty simulator around a scene. Agents are added with
// AddAgent; the ordering defaults to sequential until SetOrdering.
func New(sc scene.Scene, clients *llm.Clients, opts Options) *Simulator {
	if opts.MaxStepsPerTurn <= 0 {
		opts.MaxStepsPerTurn = defaultMaxStepsPerTurn
	}
	s := &Simulator{
		sc:      sc,
		clients: clients,
		agents:  map[string]*agent.Agent{},
		opts:    opts,
		logger:  slog.Default().With("component", "simulator"),
	}
	ord, _ := ordering.New(ordering.NameSequential, s, sc)
	s.ord = ord
	return s
}

// Scene returns the simulator's scene.
func (s *Simulator) Scene() scene.Scene { return s.sc }

// Clients returns the LLM client bundle.
func (s *Simulator) Clients() *llm.Clients { return s.clients }

// SetClients swaps the LLM client bundle. Clients are runtime wiring, not
// state: clones and deserialized simulators receive them here.
func (s *Simulator) SetClients(clients *llm.Clients) { s.clients = clients }

// SetOrdering installs an ordering strategy and binds it to this simulator.
func (s *Simulator) SetOrdering(ord ordering.Ordering) {
	ord.BindSimulation(s)
	if c, ok := ord.(*ordering.Controlled); ok {
		c.BindScene(s.sc)
	}
	s.ord = ord
}

// Ordering returns the current strategy.
func (s *Simulator) Ordering() ordering.Ordering { return s.ord }

// SetEmitter binds the stream event sink and rebinds every agent to it.
func (s *Simulator) SetEmitter(emit Emitter) {
	s.emit = emit
	for _, a := range s.agents {
		a.BindEmitter(s.emitEvent)
	}
}

// AddAgent attaches an agent: the scene initializes it, its catalog gains
// the scene's actions and its events flow through the simulator.
func (s *Simulator) AddAgent(a *agent.Agent) error {
	name := a.Name()
	if _, dup := s.agents[name]; dup {
		return fmt.Errorf("agent %q already attached", name)
	}
	s.sc.InitializeAgent(a)
	// An empty catalog means no explicit action selection; the agent gets
	// the scene's full set. Pre-selected catalogs are left as configured.
	if a.Catalog().Len() == 0 {
		a.MergeActions(s.sc.SceneActions(a)...)
	}
	a.BindEmitter(s.emitEvent)
	s.agents[name] = a
	s.order = append(s.order, name)
	return nil
}

// AgentNames implements scene.Simulation.
func (s *Simulator) AgentNames() []string {
	return append([]string(nil), s.order...)
}

// Agent implements scene.Simulation.
func (s *Simulator) Agent(name string) (*agent.Agent, bool) {
	a, ok := s.agents[name]
	return a, ok
}

// Agents returns all agents in insertion order.
func (s *Simulator) Agents() []*agent.Agent {
	out := make([]*agent.Agent, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.agents[name])
	}
	return out
}

// Turns implements scene.Simulation.
func (s *Simulator) Turns() int { return s.turns }

// Broadcast implements scene.Simulation: the event is rendered with the
// scene clock, appended to each receiver's memory and emitted as a
// system_broadcast stream event. Nil receivers means every agent.
func (s *Simulator) Broadcast(ev models.Event, receivers []string) {
	if receivers == nil {
		receivers = s.order
	}
	rendered := ev.Render(s.sc.Clock())
	for _, name := range receivers {
		if a, ok := s.agents[name]; ok {
			a.AddEnvFeedback(rendered, ev.Media)
		}
	}
	s.emitEvent(models.StreamEvent{
		Type: models.TypeSystemBroadcast,
		Data: map[string]any{
			"kind":       string(ev.Kind),
			"sender":     ev.Sender,
			"content":    ev.Content,
			"recipients": append([]string(nil), receivers...),
			"media":      ev.Media,
			"code":       ev.Code,
			"params":     ev.Params,
		},
	})
}

// EmitLater implements scene.Simulation: the event is queued and flushed at
// the next quiescence point (end of the current agent's turn).
func (s *Simulator) EmitLater(ev models.StreamEvent) {
	s.pending = append(s.pending, ev)
}

// Run advances up to maxTurns turns, stopping early when the scene
// completes or ctx is cancelled. Failures inside a turn are captured as
// error events; Run itself only returns ctx errors.
func (s *Simulator) Run(ctx context.Context, maxTurns int) error {
	for i := 0; i < maxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.sc.IsComplete() {
			s.logger.Info("scene complete, stopping run", "turns", s.turns)
			break
		}
		s.runTurn(ctx)
		s.flushPending()
	}
	s.flushPending()
	return ctx.Err()
}

// runTurn executes one full turn: pick the actor, run its step loop, then
// the post-turn hooks. Panics from scene or agent code are converted into
// an error event so one bad turn cannot take down the tree.
func (s *Simulator) runTurn(ctx context.Context) {
	var actorName string
	var step int
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("turn panicked", "panic", r)
			s.emitError(actorName, step, fmt.Sprint(r), string(debug.Stack()))
		}
		s.turns++
		s.ord.PostTurn()
	}()

	// Step 1: pick the actor. ok=false is a scheduled pause (e.g. a phase
	// boundary in controlled scenes), not an error.
	name, ok := s.ord.Next()
	if !ok {
		s.postTurn(ctx, nil)
		return
	}
	actor, found := s.agents[name]
	if !found {
		s.logger.Warn("ordering returned unknown agent", "agent", name)
		s.postTurn(ctx, nil)
		return
	}
	actorName = name

	// Step 2: scene-level skip (eliminated, asleep, out of phase).
	if s.sc.ShouldSkipTurn(actor, s) {
		s.postTurn(ctx, actor)
		return
	}

	// Step 3: deliver the scene's status prompt before the step loop so the
	// agent reasons over it this turn, then drain events deferred since the
	// last quiescence point.
	if prompt := s.sc.AgentStatusPrompt(actor); prompt != "" {
		actor.AddEnvFeedback(prompt, nil)
	}
	s.flushPending()

	// Step 4: bounded step loop. The first step always runs (initiative);
	// later steps run until the agent yields, fails or hits the bound. Each
	// step is bracketed by its own process events.
	steps := 0
	for steps < s.opts.MaxStepsPerTurn {
		if ctx.Err() != nil {
			break
		}
		step = steps
		s.emitEvent(models.StreamEvent{
			Type: models.TypeAgentProcessStart,
			Data: map[string]any{"agent": name, "step": steps, "turn": s.turns},
		})
		actions := actor.Process(ctx, s.clients, steps == 0, s.sc)
		s.emitEvent(models.StreamEvent{
			Type: models.TypeAgentProcessEnd,
			Data: map[string]any{"agent": name, "step": steps, "turn": s.turns, "actions": actionNames(actions)},
		})
		if len(actions) == 0 {
			break
		}
		steps++
		yielded, failed := s.handleActions(ctx, actor, steps-1, actions)
		if yielded || failed {
			break
		}
	}

	s.postTurn(ctx, actor)
}

// handleActions dispatches parsed actions through the scene. yielded means
// control passed back to the scheduler and the remaining actions are
// skipped; failed means a scene error ended the turn.
func (s *Simulator) handleActions(ctx context.Context, actor *agent.Agent, step int, actions []action.Data) (yielded, failed bool) {
	for _, data := range actions {
		s.emitEvent(models.StreamEvent{
			Type: models.TypeActionStart,
			Data: map[string]any{"agent": actor.Name(), "action": data.Name, "params": data.Params},
		})
		outcome, err := s.sc.ParseAndHandleAction(ctx, data, actor, s)
		if err != nil {
			s.logger.Error("action handler failed", "agent", actor.Name(), "action", data.Name, "error", err)
			s.emitError(actor.Name(), step, err.Error(), string(debug.Stack()))
			return false, true
		}
		if outcome == nil {
			outcome = &action.Outcome{Success: true}
		}
		if !outcome.Success {
			// Rejections feed back into the actor's memory so the next step
			// can correct course.
			if msg, ok := outcome.Result["error"].(string); ok && msg != "" {
				actor.AddEnvFeedback(fmt.Sprintf("Your action %q was rejected: %s", data.Name, msg), nil)
			}
		}
		s.emitEvent(models.StreamEvent{
			Type: models.TypeActionEnd,
			Data: map[string]any{
				"agent":   actor.Name(),
				"action":  data.Name,
				"params":  data.Params,
				"success": outcome.Success,
				"result":  outcome.Result,
				"summary": outcome.Summary,
				"meta":    outcome.Meta,
			},
		})
		s.flushPending()
		if outcome.PassControl {
			return true, false
		}
	}
	return false, false
}

// postTurn runs the scene's end-of-turn hook and flushes deferred events.
func (s *Simulator) postTurn(ctx context.Context, actor *agent.Agent) {
	if err := s.sc.PostTurn(ctx, actor, s); err != nil {
		name := ""
		if actor != nil {
			name = actor.Name()
		}
		s.logger.Error("scene post-turn failed", "error", err)
		s.emitError(name, 0, err.Error(), string(debug.Stack()))
	}
	s.flushPending()
}

// emitError reports a failure inside the turn as a structured error event
// with enough context to locate it: actor, step, turn, scene type and
// ordering name, plus a bounded traceback.
func (s *Simulator) emitError(agentName string, step int, msg, trace string) {
	if len(trace) > tracebackLimit {
		trace = trace[:tracebackLimit]
	}
	s.emitEvent(models.StreamEvent{
		Type: models.TypeError,
		Data: map[string]any{
			"error":     msg,
			"traceback": trace,
			"agent":     agentName,
			"step":      step,
			"turn":      s.turns,
			"scene":     s.sc.Type(),
			"ordering":  s.ord.Name(),
		},
	})
}

func actionNames(actions []action.Data) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Name)
	}
	return out
}

// flushPending emits queued events in order. Events queued while flushing
// are carried to the next flush.
func (s *Simulator) flushPending() {
	queued := s.pending
	s.pending = nil
	for _, ev := range queued {
		s.emitEvent(ev)
	}
}

// emitEvent is the single funnel for stream events: the ordering observes
// every event, then the bound emitter receives it. An agent_error with the
// offline kind additionally surfaces as a warning system_log so operators
// see silent agents without scraping error events.
func (s *Simulator) emitEvent(ev models.StreamEvent) {
	if s.ord != nil {
		s.ord.OnEvent(ev)
	}
	if s.emit != nil {
		s.emit(ev)
	}
	if ev.Type == models.TypeAgentError {
		if kind, _ := ev.Data["kind"].(string); kind == "offline" {
			agentName, _ := ev.Data["agent"].(string)
			out := models.StreamEvent{
				Type: models.TypeSystemLog,
				Data: map[string]any{
					"level":   "warning",
					"message": fmt.Sprintf("agent %s went offline after repeated failures", agentName),
					"agent":   agentName,
				},
			}
			if s.ord != nil {
				s.ord.OnEvent(out)
			}
			if s.emit != nil {
				s.emit(out)
			}
		}
	}
}

// ResetPending drops any queued events. Fresh branches start with an empty
// queue so a parent's deferred events never replay on a child.
func (s *Simulator) ResetPending() { s.pending = nil }

// Clone deep-copies the simulator for copy-on-branch: scene, agents,
// ordering and the pending queue are all cloned; clients and emitter are
// runtime wiring and stay unbound on the clone.
func (s *Simulator) Clone() *Simulator {
	cl := &Simulator{
		sc:      s.sc.Clone(),
		clients: s.clients,
		agents:  make(map[string]*agent.Agent, len(s.agents)),
		order:   append([]string(nil), s.order...),
		pending: append([]models.StreamEvent(nil), s.pending...),
		turns:   s.turns,
		opts:    s.opts,
		logger:  s.logger,
	}
	for name, a := range s.agents {
		cl.agents[name] = a.Clone()
	}
	cl.SetOrdering(s.ord.Clone())
	return cl
}
