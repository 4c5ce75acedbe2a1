// Package plangraph stores task plans as Neo4j graphs so the dependency
// structure of past workflows can be queried.
package plangraph

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/task"
)

// Store handles Neo4j operations for plan graphs.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a driver for uri. The connection is not verified; call
// Ping.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT workflow_id IF NOT EXISTS FOR (w:Workflow) REQUIRE w.id IS UNIQUE`,
		`CREATE CONSTRAINT plan_task_key IF NOT EXISTS FOR (t:PlanTask) REQUIRE (t.workflow_id, t.id) IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure plan graph schema: %w", err)
		}
	}
	return nil
}

// SavePlan writes the workflow, its tasks and their DEPENDS_ON edges in one
// transaction. Saving the same workflow again replaces its tasks.
func (s *Store) SavePlan(ctx context.Context, workflowID, request string, plan *task.Plan) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	tasks, edges := planParams(plan)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (w:Workflow {id: $id})
			SET w.request = $request, w.complexity = $complexity, w.saved_at = datetime()
			WITH w
			OPTIONAL MATCH (w)-[:HAS_TASK]->(old:PlanTask)
			DETACH DELETE old`,
			map[string]any{"id": workflowID, "request": request, "complexity": plan.EstimatedComplexity}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx, `
			MATCH (w:Workflow {id: $id})
			UNWIND $tasks AS t
			CREATE (w)-[:HAS_TASK]->(:PlanTask {
				workflow_id: $id, id: t.id, title: t.title, source: t.source,
				status: t.status, priority: t.priority
			})`,
			map[string]any{"id": workflowID, "tasks": tasks}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx, `
			UNWIND $edges AS e
			MATCH (a:PlanTask {workflow_id: $id, id: e.from}), (b:PlanTask {workflow_id: $id, id: e.to})
			MERGE (a)-[:DEPENDS_ON]->(b)`,
			map[string]any{"id": workflowID, "edges": edges})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("save plan graph %s: %w", workflowID, err)
	}
	s.logger.Debug("plan graph saved",
		zap.String("workflow_id", workflowID), zap.Int("tasks", len(tasks)), zap.Int("edges", len(edges)))
	return nil
}

// TaskNode is a stored task.
type TaskNode struct {
	ID           string   `json:"task_id"`
	Title        string   `json:"title"`
	Source       string   `json:"source"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies"`
}

// LoadPlan returns the stored tasks of a workflow ordered by id.
func (s *Store) LoadPlan(ctx context.Context, workflowID string) ([]TaskNode, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:Workflow {id: $id})-[:HAS_TASK]->(t:PlanTask)
		OPTIONAL MATCH (t)-[:DEPENDS_ON]->(d:PlanTask)
		RETURN t.id AS id, t.title AS title, t.source AS source, t.status AS status,
		       t.priority AS priority, collect(d.id) AS deps
		ORDER BY id`,
		map[string]any{"id": workflowID})
	if err != nil {
		return nil, fmt.Errorf("load plan graph %s: %w", workflowID, err)
	}

	var nodes []TaskNode
	for result.Next(ctx) {
		rec := result.Record()
		n := TaskNode{
			ID:     str(rec, "id"),
			Title:  str(rec, "title"),
			Source: str(rec, "source"),
			Status: str(rec, "status"),
		}
		if p, ok := rec.Get("priority"); ok {
			if v, ok := p.(int64); ok {
				n.Priority = int(v)
			}
		}
		if deps, ok := rec.Get("deps"); ok {
			for _, d := range deps.([]any) {
				if id, ok := d.(string); ok {
					n.Dependencies = append(n.Dependencies, id)
				}
			}
			sort.Strings(n.Dependencies)
		}
		nodes = append(nodes, n)
	}
	return nodes, result.Err()
}

// Dependents returns every task that transitively depends on taskID.
func (s *Store) Dependents(ctx context.Context, workflowID, taskID string) ([]string, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:PlanTask {workflow_id: $id})-[:DEPENDS_ON*1..]->(:PlanTask {workflow_id: $id, id: $task})
		RETURN DISTINCT d.id AS id ORDER BY id`,
		map[string]any{"id": workflowID, "task": taskID})
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", taskID, err)
	}
	var ids []string
	for result.Next(ctx) {
		ids = append(ids, str(result.Record(), "id"))
	}
	return ids, result.Err()
}

// planParams flattens plan into Cypher parameters. Edges to ids outside the
// plan are dropped.
func planParams(plan *task.Plan) (tasks []any, edges []any) {
	ids := plan.IDs()
	for _, t := range plan.Tasks {
		tasks = append(tasks, map[string]any{
			"id":       t.ID,
			"title":    t.Title,
			"source":   string(t.Source),
			"status":   string(t.Status),
			"priority": int64(t.Priority),
		})
		for _, dep := range t.Dependencies {
			if ids[dep] {
				edges = append(edges, map[string]any{"from": t.ID, "to": dep})
			}
		}
	}
	return tasks, edges
}

func str(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}
