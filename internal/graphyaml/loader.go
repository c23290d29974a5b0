// Package graphyaml parses ProcessGraph definitions authored as YAML by
// external tooling into the immutable graph builder.
package graphyaml

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

type graphDoc struct {
	GraphID     string         `yaml:"graphId"`
	Version     int            `yaml:"version"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Status      string         `yaml:"status"`
	Metadata    map[string]any `yaml:"metadata"`
	Entry       []string       `yaml:"entryNodes"`
	Terminal    []string       `yaml:"terminalNodes"`
	Nodes       []nodeDoc      `yaml:"nodes"`
	Edges       []edgeDoc      `yaml:"edges"`
}

type nodeDoc struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	Version       int    `yaml:"version"`
	Preconditions struct {
		ClientContext []string `yaml:"clientContext"`
		DomainContext []string `yaml:"domainContext"`
	} `yaml:"preconditions"`
	PolicyGates []struct {
		ID              string `yaml:"id"`
		PolicyID        string `yaml:"policyId"`
		RequiredOutcome string `yaml:"requiredOutcome"`
	} `yaml:"policyGates"`
	BusinessRules []struct {
		ID       string `yaml:"id"`
		RuleID   string `yaml:"ruleId"`
		Category string `yaml:"category"`
	} `yaml:"businessRules"`
	Action struct {
		Type       string `yaml:"type"`
		HandlerRef string `yaml:"handlerRef"`
		Config     struct {
			Async              bool   `yaml:"async"`
			TimeoutSeconds     int    `yaml:"timeoutSeconds"`
			RetryCount         int    `yaml:"retryCount"`
			AssigneeExpression string `yaml:"assigneeExpression"`
			FormRef            string `yaml:"formRef"`
		} `yaml:"config"`
	} `yaml:"action"`
	Events struct {
		Subscriptions []struct {
			EventType   string `yaml:"eventType"`
			Correlation string `yaml:"correlation"`
		} `yaml:"subscriptions"`
		Emissions []struct {
			EventType string `yaml:"eventType"`
			Timing    string `yaml:"timing"`
			Payload   string `yaml:"payload"`
		} `yaml:"emissions"`
	} `yaml:"events"`
	ExceptionRoutes struct {
		Remediation []routeDoc `yaml:"remediation"`
		Escalation  []routeDoc `yaml:"escalation"`
	} `yaml:"exceptionRoutes"`
}

type routeDoc struct {
	Pattern    string `yaml:"pattern"`
	ExactMatch bool   `yaml:"exactMatch"`
	Strategy   string `yaml:"strategy"`
	MaxRetries int    `yaml:"maxRetries"`
	TargetNode string `yaml:"targetNode"`
}

type edgeDoc struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	Guards      struct {
		Context       []string          `yaml:"context"`
		RuleOutcomes  map[string]string `yaml:"ruleOutcomes"`
		PolicyOutcomes map[string]string `yaml:"policyOutcomes"`
		Events        []struct {
			EventType        string `yaml:"eventType"`
			MustHaveOccurred bool   `yaml:"mustHaveOccurred"`
			Correlation      string `yaml:"correlation"`
		} `yaml:"events"`
	} `yaml:"guards"`
	Execution struct {
		Type            string `yaml:"type"`
		JoinType        string `yaml:"joinType"`
		JoinMinimum     int    `yaml:"joinMinimum"`
		MergeStrategy   string `yaml:"mergeStrategy"`
		CompensationRef string `yaml:"compensationRef"`
	} `yaml:"execution"`
	Priority struct {
		Weight    int  `yaml:"weight"`
		Rank      int  `yaml:"rank"`
		Exclusive bool `yaml:"exclusive"`
	} `yaml:"priority"`
	Triggers struct {
		Activating   []string `yaml:"activating"`
		Reevaluation []string `yaml:"reevaluation"`
	} `yaml:"triggers"`
	Compensation struct {
		Strategy           string `yaml:"strategy"`
		MaxRetries         int    `yaml:"maxRetries"`
		CompensatingEdgeID string `yaml:"compensatingEdgeId"`
		Condition          string `yaml:"condition"`
	} `yaml:"compensation"`
}

// LoadFile parses the YAML graph definition at path.
func LoadFile(path string) (*domain.ProcessGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses a YAML graph definition and builds the immutable graph,
// returning the first validation error when the definition is structurally
// unsound.
func Load(data []byte) (*domain.ProcessGraph, error) {
	var doc graphDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, "failed to parse graph yaml", err)
	}
	if doc.GraphID == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, "graph yaml has no graphId", nil)
	}

	status := domain.GraphStatusDraft
	if doc.Status != "" {
		status = domain.GraphStatus(doc.Status)
	}

	b := domain.NewGraphBuilder(doc.GraphID, doc.Version).
		WithName(doc.Name).
		WithDescription(doc.Description).
		WithStatus(status).
		WithEntryNodes(doc.Entry...).
		WithTerminalNodes(doc.Terminal...)
	if doc.Metadata != nil {
		b.WithMetadata(doc.Metadata)
	}

	for _, nd := range doc.Nodes {
		b.AddNode(toNode(nd))
	}
	for _, ed := range doc.Edges {
		b.AddEdge(toEdge(ed))
	}

	g, errs := b.Build()
	if len(errs) > 0 {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, fmt.Sprintf("graph validation failed (%d errors)", len(errs)), errs[0])
	}
	return g, nil
}

func toNode(nd nodeDoc) domain.Node {
	n := domain.Node{
		ID:          nd.ID,
		Name:        nd.Name,
		Description: nd.Description,
		Version:     nd.Version,
		Action: domain.NodeAction{
			Type:       domain.ActionType(nd.Action.Type),
			HandlerRef: nd.Action.HandlerRef,
			Config: domain.ActionConfig{
				Async:              nd.Action.Config.Async,
				TimeoutSeconds:     nd.Action.Config.TimeoutSeconds,
				RetryCount:         nd.Action.Config.RetryCount,
				AssigneeExpression: domain.FeelExpression(nd.Action.Config.AssigneeExpression),
				FormRef:            nd.Action.Config.FormRef,
			},
		},
	}
	for _, e := range nd.Preconditions.ClientContext {
		n.Preconditions.ClientContext = append(n.Preconditions.ClientContext, domain.FeelExpression(e))
	}
	for _, e := range nd.Preconditions.DomainContext {
		n.Preconditions.DomainContext = append(n.Preconditions.DomainContext, domain.FeelExpression(e))
	}
	for _, pg := range nd.PolicyGates {
		n.PolicyGates = append(n.PolicyGates, domain.PolicyGateRef{
			ID:              pg.ID,
			PolicyID:        pg.PolicyID,
			RequiredOutcome: domain.PolicyOutcome(pg.RequiredOutcome),
		})
	}
	for _, br := range nd.BusinessRules {
		n.BusinessRules = append(n.BusinessRules, domain.BusinessRuleRef{ID: br.ID, RuleID: br.RuleID, Category: br.Category})
	}
	for _, sub := range nd.Events.Subscriptions {
		n.EventConfig.Subscriptions = append(n.EventConfig.Subscriptions, domain.EventSubscription{
			EventType:   sub.EventType,
			Correlation: domain.FeelExpression(sub.Correlation),
		})
	}
	for _, em := range nd.Events.Emissions {
		n.EventConfig.Emissions = append(n.EventConfig.Emissions, domain.EventEmission{
			EventType: em.EventType,
			Timing:    domain.EventTiming(em.Timing),
			Payload:   domain.FeelExpression(em.Payload),
		})
	}
	n.ExceptionRoutes.Remediation = toRoutes(nd.ExceptionRoutes.Remediation)
	n.ExceptionRoutes.Escalation = toRoutes(nd.ExceptionRoutes.Escalation)
	return n
}

func toRoutes(docs []routeDoc) []domain.ExceptionRoute {
	var out []domain.ExceptionRoute
	for _, rd := range docs {
		out = append(out, domain.ExceptionRoute{
			Pattern:    rd.Pattern,
			ExactMatch: rd.ExactMatch,
			Strategy:   domain.CompensationStrategy(rd.Strategy),
			MaxRetries: rd.MaxRetries,
			TargetNode: rd.TargetNode,
		})
	}
	return out
}

func toEdge(ed edgeDoc) domain.Edge {
	e := domain.Edge{
		ID:           ed.ID,
		Name:         ed.Name,
		Description:  ed.Description,
		SourceNodeID: ed.Source,
		TargetNodeID: ed.Target,
		ExecutionSemantics: domain.ExecutionSemantics{
			Type:            domain.EdgeExecutionType(ed.Execution.Type),
			JoinType:        domain.JoinType(ed.Execution.JoinType),
			JoinMinimum:     ed.Execution.JoinMinimum,
			MergeStrategy:   ed.Execution.MergeStrategy,
			CompensationRef: ed.Execution.CompensationRef,
		},
		Priority: domain.PriorityConfig{
			Weight:    ed.Priority.Weight,
			Rank:      ed.Priority.Rank,
			Exclusive: ed.Priority.Exclusive,
		},
		EventTriggers: domain.EventTriggers{
			ActivatingEvents:   ed.Triggers.Activating,
			ReevaluationEvents: ed.Triggers.Reevaluation,
		},
		CompensationSemantics: domain.CompensationSemantics{
			Strategy:           domain.CompensationStrategy(ed.Compensation.Strategy),
			MaxRetries:         ed.Compensation.MaxRetries,
			CompensatingEdgeID: ed.Compensation.CompensatingEdgeID,
			Condition:          domain.FeelExpression(ed.Compensation.Condition),
		},
	}
	if e.ExecutionSemantics.Type == "" {
		e.ExecutionSemantics.Type = domain.EdgeExecSequential
	}
	for _, c := range ed.Guards.Context {
		e.GuardConditions.ContextConditions = append(e.GuardConditions.ContextConditions, domain.FeelExpression(c))
	}
	if len(ed.Guards.RuleOutcomes) > 0 {
		e.GuardConditions.RuleOutcomeConditions = make(map[string]domain.FeelExpression, len(ed.Guards.RuleOutcomes))
		for ruleID, expr := range ed.Guards.RuleOutcomes {
			e.GuardConditions.RuleOutcomeConditions[ruleID] = domain.FeelExpression(expr)
		}
	}
	if len(ed.Guards.PolicyOutcomes) > 0 {
		e.GuardConditions.PolicyOutcomeConditions = make(map[string]domain.PolicyOutcome, len(ed.Guards.PolicyOutcomes))
		for gateID, outcome := range ed.Guards.PolicyOutcomes {
			e.GuardConditions.PolicyOutcomeConditions[gateID] = domain.PolicyOutcome(outcome)
		}
	}
	for _, ec := range ed.Guards.Events {
		e.GuardConditions.EventConditions = append(e.GuardConditions.EventConditions, domain.EdgeEventCondition{
			EventType:        ec.EventType,
			MustHaveOccurred: ec.MustHaveOccurred,
			Correlation:      domain.FeelExpression(ec.Correlation),
		})
	}
	return e
}
