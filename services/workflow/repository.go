package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Repository handles workflow and run persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflows and workflow_runs tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id          UUID PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			nodes       JSONB NOT NULL DEFAULT '[]',
			edges       JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_runs (
			id          UUID PRIMARY KEY,
			workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			status      TEXT NOT NULL,
			document    JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS workflow_runs_workflow_id_idx ON workflow_runs (workflow_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample temperature-alert workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := json.Marshal(sampleNodes)
	if err != nil {
		return fmt.Errorf("marshal seed nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(sampleEdges)
	if err != nil {
		return fmt.Errorf("marshal seed edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, description, nodes, edges)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, SampleWorkflowID, "Temperature Alert Workflow", "Fetch the current temperature and alert when it is above the threshold", nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// List returns all workflows, most recently updated first.
func (r *Repository) List(ctx context.Context) ([]Workflow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, description, nodes, edges, created_at, updated_at
		FROM workflows ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, description, nodes, edges, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Create inserts wf. CreatedAt and UpdatedAt are set from the database.
func (r *Repository) Create(ctx context.Context, wf *Workflow) error {
	nodesJSON, edgesJSON, err := marshalGraph(wf)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO workflows (id, name, description, nodes, edges)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, wf.ID, wf.Name, wf.Description, nodesJSON, edgesJSON).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("create workflow %s: %w", wf.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// Update replaces the document of an existing workflow. Returns ErrNotFound
// if no workflow has wf.ID.
func (r *Repository) Update(ctx context.Context, wf *Workflow) error {
	nodesJSON, edgesJSON, err := marshalGraph(wf)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		UPDATE workflows
		SET name = $2, description = $3, nodes = $4, edges = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, wf.ID, wf.Name, wf.Description, nodesJSON, edgesJSON).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update workflow %s: %w", wf.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

// Delete removes a workflow and its runs. Returns ErrNotFound if it does not exist.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveRun stores the results of a closed run.
func (r *Repository) SaveRun(ctx context.Context, results *ExecutionResults) error {
	doc, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, status, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, document = EXCLUDED.document
	`, results.ExecutionID, results.WorkflowID, results.Status, doc)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun loads the stored results of a run. Returns nil, nil if not found.
func (r *Repository) GetRun(ctx context.Context, runID string) (*ExecutionResults, error) {
	var doc []byte
	err := r.db.QueryRow(ctx, `SELECT document FROM workflow_runs WHERE id = $1`, runID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var results ExecutionResults
	if err := json.Unmarshal(doc, &results); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &results, nil
}

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, edgesJSON []byte

	err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

func marshalGraph(wf *Workflow) (nodes, edges []byte, err error) {
	if wf.Nodes == nil {
		wf.Nodes = []Node{}
	}
	if wf.Edges == nil {
		wf.Edges = []Edge{}
	}
	nodes, err = json.Marshal(wf.Nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal nodes: %w", err)
	}
	edges, err = json.Marshal(wf.Edges)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal edges: %w", err)
	}
	return nodes, edges, nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

// SampleWorkflowID is the id of the seeded workflow.
const SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

var sampleNodes = []Node{
	{
		ID: "start", Type: "start",
		Position: Position{X: -160, Y: 300},
		Data:     NodeData{Label: "Start", Description: "Begin temperature check"},
	},
	{
		ID: "fetch-weather", Type: "http-request",
		Position: Position{X: 152, Y: 304},
		Data: NodeData{
			Label: "Weather API", Description: "Fetch current weather for Sydney",
			Config: map[string]any{
				"method":    "GET",
				"url":       "https://api.open-meteo.com/v1/forecast?latitude=-33.8688&longitude=151.2093&current_weather=true",
				"timeoutMs": 10000,
			},
		},
	},
	{
		ID: "check-temperature", Type: "condition",
		Position: Position{X: 460, Y: 304},
		Data: NodeData{
			Label: "Check Condition", Description: "Evaluate temperature threshold",
			Config: map[string]any{
				"field":     "data.current_weather.temperature",
				"operator":  "greater_than",
				"threshold": 25,
			},
		},
	},
	{
		ID: "send-alert", Type: "send-email",
		Position: Position{X: 794, Y: 88},
		Data: NodeData{
			Label: "Send Alert", Description: "Email weather alert notification",
			Config: map[string]any{
				"recipient": "alerts@example.com",
				"subject":   "Weather Alert",
				"body":      "Temperature in Sydney is above the threshold.",
			},
		},
	},
	{
		ID: "log-normal", Type: "log",
		Position: Position{X: 794, Y: 304},
		Data: NodeData{
			Label: "No Alert", Description: "Record that no alert was needed",
			Config: map[string]any{"message": "Temperature is within range", "level": "info"},
		},
	},
	{
		ID: "log-error", Type: "log",
		Position: Position{X: 794, Y: 520},
		Data: NodeData{
			Label: "API Error", Description: "Record a failed weather lookup",
			Config: map[string]any{"message": "Weather API returned status {{statusCode}}", "level": "warn"},
		},
	},
	{
		ID: "end", Type: "end",
		Position: Position{X: 1096, Y: 302},
		Data:     NodeData{Label: "Complete", Description: "Workflow execution finished"},
	},
}

var sampleEdges = []Edge{
	{ID: "e1", Source: "start", Target: "fetch-weather", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#10b981", "strokeWidth": 3}, Label: "Initialize"},
	{ID: "e2", Source: "fetch-weather", Target: "check-temperature", SourceHandle: "response", TargetHandle: "data", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#f97316", "strokeWidth": 3}, Label: "Temperature Data"},
	{ID: "e3", Source: "fetch-weather", Target: "log-error", SourceHandle: "error", TargetHandle: "data", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#ef4444", "strokeWidth": 2}, Label: "Request Failed"},
	{ID: "e4", Source: "check-temperature", Target: "send-alert", SourceHandle: "true", TargetHandle: "data", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#10b981", "strokeWidth": 3}, Label: "✓ Condition Met", LabelStyle: map[string]any{"fill": "#10b981", "fontWeight": "bold"}},
	{ID: "e5", Source: "check-temperature", Target: "log-normal", SourceHandle: "false", TargetHandle: "data", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#6b7280", "strokeWidth": 3}, Label: "✗ No Alert Needed", LabelStyle: map[string]any{"fill": "#6b7280", "fontWeight": "bold"}},
	{ID: "e6", Source: "send-alert", Target: "end", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#ef4444", "strokeWidth": 2}, Label: "Alert Sent"},
	{ID: "e7", Source: "log-normal", Target: "end", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#6b7280", "strokeWidth": 2}},
	{ID: "e8", Source: "log-error", Target: "end", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#6b7280", "strokeWidth": 2}},
}

// SampleWorkflow returns a copy of the seeded workflow document.
func SampleWorkflow() *Workflow {
	now := time.Now().UTC()
	wf := &Workflow{
		ID:          SampleWorkflowID,
		Name:        "Temperature Alert Workflow",
		Description: "Fetch the current temperature and alert when it is above the threshold",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, n := range sampleNodes {
		wf.Nodes = append(wf.Nodes, cloneNode(n))
	}
	for _, e := range sampleEdges {
		e.Style = cloneMap(e.Style)
		e.LabelStyle = cloneMap(e.LabelStyle)
		wf.Edges = append(wf.Edges, e)
	}
	return wf
}
