package domain

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// GraphStatus is the publication lifecycle of a ProcessGraph. Transitions
// only move forward along this enum order: a graph never reverts from
// PUBLISHED back to DRAFT.
type GraphStatus string

const (
	GraphStatusDraft      GraphStatus = "DRAFT"
	GraphStatusPublished  GraphStatus = "PUBLISHED"
	GraphStatusDeprecated GraphStatus = "DEPRECATED"
	GraphStatusArchived   GraphStatus = "ARCHIVED"
)

var graphStatusOrder = map[GraphStatus]int{
	GraphStatusDraft:      0,
	GraphStatusPublished:  1,
	GraphStatusDeprecated: 2,
	GraphStatusArchived:   3,
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only lifecycle order.
func (s GraphStatus) CanTransitionTo(next GraphStatus) bool {
	cur, ok := graphStatusOrder[s]
	if !ok {
		return false
	}
	nx, ok := graphStatusOrder[next]
	if !ok {
		return false
	}
	return nx >= cur
}

// ActionType names the kind of side effect a Node dispatches.
type ActionType string

const (
	ActionSystemInvocation ActionType = "SYSTEM_INVOCATION"
	ActionHumanTask        ActionType = "HUMAN_TASK"
	ActionAgentAssisted    ActionType = "AGENT_ASSISTED"
	ActionDecision         ActionType = "DECISION"
	ActionNotification     ActionType = "NOTIFICATION"
	ActionWait             ActionType = "WAIT"
)

// EventTiming controls when a Node's event emission fires relative to its
// own execution.
type EventTiming string

const (
	EventTimingOnStart    EventTiming = "ON_START"
	EventTimingOnComplete EventTiming = "ON_COMPLETE"
)

// PolicyOutcome is the result category a PolicyEvaluator may return.
type PolicyOutcome string

const (
	PolicyAllowed         PolicyOutcome = "ALLOWED"
	PolicyDenied          PolicyOutcome = "DENIED"
	PolicyReviewRequired  PolicyOutcome = "REVIEW_REQUIRED"
	PolicyNotApplicable   PolicyOutcome = "NOT_APPLICABLE"
)

// EdgeExecutionType controls how an edge's traversal relates to sibling
// traversals: SEQUENTIAL transitions run alone, PARALLEL ones fan out a
// branch (see internal/coordinator), COMPENSATING marks a rollback path.
type EdgeExecutionType string

const (
	EdgeExecSequential  EdgeExecutionType = "SEQUENTIAL"
	EdgeExecParallel    EdgeExecutionType = "PARALLEL"
	EdgeExecCompensating EdgeExecutionType = "COMPENSATING"
)

// JoinType is the fan-in strategy evaluated at a node with multiple inbound
// PARALLEL edges.
type JoinType string

const (
	JoinAll  JoinType = "ALL"
	JoinAny  JoinType = "ANY"
	JoinNOfM JoinType = "N_OF_M"
)

// CompensationStrategy is the remediation chosen by the Compensation
// Handler on node failure.
type CompensationStrategy string

const (
	CompensationRetry    CompensationStrategy = "RETRY"
	CompensationRollback CompensationStrategy = "ROLLBACK"
	CompensationAlternate CompensationStrategy = "ALTERNATE"
	CompensationEscalate CompensationStrategy = "ESCALATE"
	CompensationSkip     CompensationStrategy = "SKIP"
	CompensationFail     CompensationStrategy = "FAIL"
)

// FeelExpression is a single opaque expression string handed to the
// ExpressionEvaluator port. The name echoes the business-rule-engine
// tradition this orchestrator is injected with (see internal/ports); the
// core never parses it itself.
type FeelExpression string

// Preconditions groups the two ordered precondition lists a Node
// evaluates before its policy gates and business rules.
type Preconditions struct {
	ClientContext []FeelExpression
	DomainContext []FeelExpression
}

// PolicyGateRef references a policy decision a Node must pass.
type PolicyGateRef struct {
	ID              string
	PolicyID        string
	RequiredOutcome PolicyOutcome
}

// BusinessRuleRef references a decision-table evaluation a Node consults.
type BusinessRuleRef struct {
	ID       string
	RuleID   string
	Category string
}

// ActionConfig carries the tunables for a Node's Action.
type ActionConfig struct {
	Async               bool
	TimeoutSeconds      int
	RetryCount          int
	AssigneeExpression  FeelExpression
	FormRef             string
}

// NodeAction describes the side-effectful work a Node dispatches.
type NodeAction struct {
	Type       ActionType
	HandlerRef string
	Config     ActionConfig
}

// EventSubscription makes a Node a candidate whenever a matching event is
// received, optionally narrowed by a correlation expression.
type EventSubscription struct {
	EventType   string
	Correlation FeelExpression
}

// EventEmission fires when a Node reaches the given timing, optionally
// computing its payload from an expression evaluated against the runtime
// context.
type EventEmission struct {
	EventType string
	Timing    EventTiming
	Payload   FeelExpression
}

// EventConfig groups a Node's subscriptions and emissions.
type EventConfig struct {
	Subscriptions []EventSubscription
	Emissions     []EventEmission
}

// ExceptionRoute maps a failure's exception type to a remediation or
// escalation strategy. Matching is wildcard: "*"/"ANY" matches everything,
// otherwise a route matches if its Pattern equals the actual exception type
// or the actual type contains the pattern as a substring (see
// internal/compensation).
type ExceptionRoute struct {
	Pattern    string
	ExactMatch bool
	Strategy   CompensationStrategy
	MaxRetries int
	TargetNode string
}

// ExceptionRoutes groups a Node's remediation (tried first) and escalation
// (tried second) exception routes.
type ExceptionRoutes struct {
	Remediation []ExceptionRoute
	Escalation  []ExceptionRoute
}

// Node is a governed decision point in a ProcessGraph.
type Node struct {
	ID              string
	Name            string
	Description     string
	Version         int
	Preconditions   Preconditions
	PolicyGates     []PolicyGateRef
	BusinessRules   []BusinessRuleRef
	Action          NodeAction
	EventConfig     EventConfig
	ExceptionRoutes ExceptionRoutes
}

// PriorityConfig ranks an Edge among its siblings during selection (see
// internal/evaluation's edge-selection rules).
type PriorityConfig struct {
	Weight    int
	Rank      int
	Exclusive bool
}

// GuardConditions is the full guard attached to an Edge.
type GuardConditions struct {
	ContextConditions     []FeelExpression
	RuleOutcomeConditions map[string]FeelExpression // ruleId -> expected-outcome expression
	PolicyOutcomeConditions map[string]PolicyOutcome // policyGateId -> required outcome
	EventConditions       []EdgeEventCondition
}

// EdgeEventCondition requires (or forbids) that an event of EventType has
// occurred, optionally narrowed by a correlation expression.
type EdgeEventCondition struct {
	EventType        string
	MustHaveOccurred bool
	Correlation      FeelExpression
}

// ExecutionSemantics describes how an Edge's traversal composes with
// sibling traversals.
type ExecutionSemantics struct {
	Type            EdgeExecutionType
	JoinType        JoinType
	JoinMinimum     int // 0 defaults N_OF_M to the majority floor(N/2)+1
	MergeStrategy   string // join input merge: last_wins (default), collect_all, first_only
	CompensationRef string
}

// EventTriggers names events that activate or force reevaluation of an
// Edge outside the normal node-completion flow.
type EventTriggers struct {
	ActivatingEvents   []string
	ReevaluationEvents []string
}

// CompensationSemantics is the inbound-edge-level fallback consulted by the
// Compensation Handler when a node carries no more specific exception
// route.
type CompensationSemantics struct {
	Strategy        CompensationStrategy
	MaxRetries      int
	CompensatingEdgeID string
	Condition       FeelExpression
}

// Edge is a guarded transition from one Node to another.
type Edge struct {
	ID                    string
	Name                  string
	Description           string
	SourceNodeID          string
	TargetNodeID          string
	GuardConditions       GuardConditions
	ExecutionSemantics    ExecutionSemantics
	Priority              PriorityConfig
	EventTriggers         EventTriggers
	CompensationSemantics CompensationSemantics
}

// ProcessGraph is an immutable, versioned template of Nodes and Edges.
// Construct one through NewGraphBuilder; a *ProcessGraph is never mutated
// after Build succeeds.
type ProcessGraph struct {
	GraphID     string
	Version     int
	Name        string
	Description string
	Status      GraphStatus
	Nodes       []Node
	Edges       []Edge
	EntryNodeIDs    []string
	TerminalNodeIDs []string
	Metadata    map[string]any

	// indices built once at construction; never mutated afterward.
	nodeByID         map[string]*Node
	outboundByNode   map[string][]*Edge
	inboundByNode    map[string][]*Edge
	nodesByEventType map[string][]*Node
	edgesByReevalEvt map[string][]*Edge
	declOrder        map[string]int // node id -> declaration index, for deterministic tie-breaking
}

// findNode, outboundEdges, inboundEdges, nodesSubscribedTo and
// edgesReevaluatedBy are pure, constant-time queries over the indices built
// at construction.

func (g *ProcessGraph) FindNode(id string) (*Node, bool) {
	n, ok := g.nodeByID[id]
	return n, ok
}

func (g *ProcessGraph) OutboundEdges(nodeID string) []*Edge {
	return g.outboundByNode[nodeID]
}

func (g *ProcessGraph) InboundEdges(nodeID string) []*Edge {
	return g.inboundByNode[nodeID]
}

func (g *ProcessGraph) NodesSubscribedTo(eventType string) []*Node {
	return g.nodesByEventType[eventType]
}

func (g *ProcessGraph) EdgesReevaluatedBy(eventType string) []*Edge {
	return g.edgesByReevalEvt[eventType]
}

// DeclarationIndex returns the position nodeID was declared at, used by
// the Navigation Decider to break weight/rank ties deterministically.
func (g *ProcessGraph) DeclarationIndex(nodeID string) int {
	if idx, ok := g.declOrder[nodeID]; ok {
		return idx
	}
	return len(g.declOrder)
}

// GraphBuilder constructs a ProcessGraph, validating structural invariants
// on Build rather than on every mutation.
type GraphBuilder struct {
	g   ProcessGraph
	err []error
}

func NewGraphBuilder(graphID string, version int) *GraphBuilder {
	return &GraphBuilder{g: ProcessGraph{
		GraphID: graphID,
		Version: version,
		Status:  GraphStatusDraft,
		Metadata: map[string]any{},
	}}
}

func (b *GraphBuilder) WithName(name string) *GraphBuilder {
	b.g.Name = name
	return b
}

func (b *GraphBuilder) WithDescription(desc string) *GraphBuilder {
	b.g.Description = desc
	return b
}

func (b *GraphBuilder) WithStatus(s GraphStatus) *GraphBuilder {
	b.g.Status = s
	return b
}

func (b *GraphBuilder) WithMetadata(m map[string]any) *GraphBuilder {
	b.g.Metadata = m
	return b
}

func (b *GraphBuilder) AddNode(n Node) *GraphBuilder {
	b.g.Nodes = append(b.g.Nodes, n)
	return b
}

func (b *GraphBuilder) AddEdge(e Edge) *GraphBuilder {
	b.g.Edges = append(b.g.Edges, e)
	return b
}

func (b *GraphBuilder) WithEntryNodes(ids ...string) *GraphBuilder {
	b.g.EntryNodeIDs = append(b.g.EntryNodeIDs, ids...)
	return b
}

func (b *GraphBuilder) WithTerminalNodes(ids ...string) *GraphBuilder {
	b.g.TerminalNodeIDs = append(b.g.TerminalNodeIDs, ids...)
	return b
}

// Build validates structural invariants and, on success, builds the
// read-only query indices. It never panics; validation failures are
// collected and returned as a ([]error) slice.
func (b *GraphBuilder) Build() (*ProcessGraph, []error) {
	g := b.g
	var errs []error

	seenNode := map[string]bool{}
	for _, n := range g.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("node has empty id"))
			continue
		}
		if seenNode[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id %q", n.ID))
			continue
		}
		seenNode[n.ID] = true
	}

	seenEdge := map[string]bool{}
	for _, e := range g.Edges {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("edge has empty id"))
			continue
		}
		if seenEdge[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate edge id %q", e.ID))
			continue
		}
		seenEdge[e.ID] = true
		if !seenNode[e.SourceNodeID] {
			errs = append(errs, fmt.Errorf("edge %q source %q does not resolve", e.ID, e.SourceNodeID))
		}
		if !seenNode[e.TargetNodeID] {
			errs = append(errs, fmt.Errorf("edge %q target %q does not resolve", e.ID, e.TargetNodeID))
		}
		if e.SourceNodeID == e.TargetNodeID && e.ExecutionSemantics.Type != EdgeExecCompensating {
			errs = append(errs, fmt.Errorf("edge %q is a self-loop without COMPENSATING semantics", e.ID))
		}
		if e.Priority.Exclusive && e.Priority.Weight == 0 {
			errs = append(errs, fmt.Errorf("edge %q is exclusive but carries no weight", e.ID))
		}
	}

	if len(g.EntryNodeIDs) == 0 {
		errs = append(errs, fmt.Errorf("graph has no entry node"))
	}
	for _, id := range g.EntryNodeIDs {
		if !seenNode[id] {
			errs = append(errs, fmt.Errorf("entry node %q does not resolve", id))
		}
	}
	for _, id := range g.TerminalNodeIDs {
		if !seenNode[id] {
			errs = append(errs, fmt.Errorf("terminal node %q does not resolve", id))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	// Build indices before reachability, since reachability walks them.
	g.nodeByID = make(map[string]*Node, len(g.Nodes))
	g.declOrder = make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		g.nodeByID[n.ID] = n
		g.declOrder[n.ID] = i
	}
	g.outboundByNode = make(map[string][]*Edge)
	g.inboundByNode = make(map[string][]*Edge)
	g.nodesByEventType = make(map[string][]*Node)
	g.edgesByReevalEvt = make(map[string][]*Edge)
	for i := range g.Edges {
		e := &g.Edges[i]
		g.outboundByNode[e.SourceNodeID] = append(g.outboundByNode[e.SourceNodeID], e)
		g.inboundByNode[e.TargetNodeID] = append(g.inboundByNode[e.TargetNodeID], e)
		for _, evt := range e.EventTriggers.ReevaluationEvents {
			g.edgesByReevalEvt[evt] = append(g.edgesByReevalEvt[evt], e)
		}
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		for _, sub := range n.EventConfig.Subscriptions {
			g.nodesByEventType[sub.EventType] = append(g.nodesByEventType[sub.EventType], n)
		}
	}

	reachable := map[string]bool{}
	queue := append([]string{}, g.EntryNodeIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		for _, e := range g.outboundByNode[id] {
			queue = append(queue, e.TargetNodeID)
		}
	}
	for _, id := range g.TerminalNodeIDs {
		if !reachable[id] {
			errs = append(errs, fmt.Errorf("terminal node %q is not reachable from any entry node", id))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &g, nil
}

// NewGraphID generates a fresh graph identity; external tooling is expected
// to supply its own ids for published graphs, but ad-hoc/test graphs can
// use this.
func NewGraphID() string {
	return uuid.NewString()
}

// sortEdgesByPriority orders edges descending by weight then ascending by
// rank, stably. Edge selection and navigation both use this order so the
// two agree on tie-breaking.
func sortEdgesByPriority(edges []*Edge) []*Edge {
	out := make([]*Edge, len(edges))
	copy(out, edges)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Weight != out[j].Priority.Weight {
			return out[i].Priority.Weight > out[j].Priority.Weight
		}
		return out[i].Priority.Rank < out[j].Priority.Rank
	})
	return out
}

// SortEdgesByPriority exposes the shared tie-break order to other packages.
func SortEdgesByPriority(edges []*Edge) []*Edge {
	return sortEdgesByPriority(edges)
}
