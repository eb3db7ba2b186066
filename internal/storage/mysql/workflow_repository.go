package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"X402-Flow/internal/plan"
	"X402-Flow/internal/workflow"
)

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// WorkflowRepository 把工作流聚合落入 MySQL。计划、步骤结果与输出
// 以 JSON 列存储，查询维度只有 ID 与用户。
type WorkflowRepository struct {
	db *sql.DB
}

// NewWorkflowRepository 创建连接池并初始化数据表。
func NewWorkflowRepository(ctx context.Context, cfg Config) (*WorkflowRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &WorkflowRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *WorkflowRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS workflows (
        id VARCHAR(36) PRIMARY KEY,
        user_id VARCHAR(128) NOT NULL,
        description TEXT,
        status VARCHAR(32) NOT NULL,
        plan JSON,
        step_results JSON,
        output JSON,
        total_cost DOUBLE NOT NULL DEFAULT 0,
        total_time BIGINT NOT NULL DEFAULT 0,
        error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        completed_at BIGINT,
        INDEX idx_user_created (user_id, created_at)
)`

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化 workflows 表失败: %w", err)
	}
	return nil
}

// Put 写入或覆盖工作流记录。
func (r *WorkflowRepository) Put(ctx context.Context, wf *workflow.Workflow) error {
	planRaw, err := marshalNullable(wf.Plan)
	if err != nil {
		return fmt.Errorf("序列化计划失败: %w", err)
	}
	resultsRaw, err := marshalNullable(wf.StepResults)
	if err != nil {
		return fmt.Errorf("序列化步骤结果失败: %w", err)
	}
	outputRaw, err := marshalNullable(wf.Output)
	if err != nil {
		return fmt.Errorf("序列化输出失败: %w", err)
	}

	var completedAt sql.NullInt64
	if wf.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: wf.CompletedAt.UnixMilli(), Valid: true}
	}

	const stmt = `INSERT INTO workflows
        (id, user_id, description, status, plan, step_results, output, total_cost, total_time, error, created_at, updated_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        status = VALUES(status), plan = VALUES(plan), step_results = VALUES(step_results),
        output = VALUES(output), total_cost = VALUES(total_cost), total_time = VALUES(total_time),
        error = VALUES(error), updated_at = VALUES(updated_at), completed_at = VALUES(completed_at)`

	if _, err := r.db.ExecContext(ctx, stmt,
		wf.ID,
		wf.UserID,
		wf.Description,
		string(wf.Status),
		planRaw,
		resultsRaw,
		outputRaw,
		wf.TotalCost,
		wf.TotalTime,
		wf.Error,
		wf.CreatedAt.UnixMilli(),
		wf.UpdatedAt.UnixMilli(),
		completedAt,
	); err != nil {
		return fmt.Errorf("写入工作流失败: %w", err)
	}
	return nil
}

// Get 按 ID 查询工作流。
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	const query = `SELECT id, user_id, description, status, plan, step_results, output, total_cost, total_time, error, created_at, updated_at, completed_at
        FROM workflows WHERE id = ?`
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询工作流失败: %w", err)
	}
	return wf, nil
}

// List 按用户查询最近的工作流，userID 为空时返回全部。
func (r *WorkflowRepository) List(ctx context.Context, userID string, limit int) ([]*workflow.Workflow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, user_id, description, status, plan, step_results, output, total_cost, total_time, error, created_at, updated_at, completed_at
        FROM workflows`
	args := make([]any, 0, 2)
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询工作流列表失败: %w", err)
	}
	defer rows.Close()

	var workflows []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("解析工作流记录失败: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历工作流记录失败: %w", err)
	}
	return workflows, nil
}

// Delete 删除工作流记录。
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("删除工作流失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (r *WorkflowRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var (
		wf          workflow.Workflow
		status      string
		planRaw     sql.NullString
		resultsRaw  sql.NullString
		outputRaw   sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&wf.ID,
		&wf.UserID,
		&wf.Description,
		&status,
		&planRaw,
		&resultsRaw,
		&outputRaw,
		&wf.TotalCost,
		&wf.TotalTime,
		&wf.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	wf.Status = workflow.Status(status)
	wf.CreatedAt = time.UnixMilli(createdAt)
	wf.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		completed := time.UnixMilli(completedAt.Int64)
		wf.CompletedAt = &completed
	}

	if planRaw.Valid && planRaw.String != "" {
		var p plan.Plan
		if err := json.Unmarshal([]byte(planRaw.String), &p); err != nil {
			return nil, fmt.Errorf("解析计划失败: %w", err)
		}
		if err := p.Rehydrate(); err != nil {
			return nil, err
		}
		wf.Plan = &p
	}
	if resultsRaw.Valid && resultsRaw.String != "" {
		if err := json.Unmarshal([]byte(resultsRaw.String), &wf.StepResults); err != nil {
			return nil, fmt.Errorf("解析步骤结果失败: %w", err)
		}
	}
	if outputRaw.Valid && outputRaw.String != "" {
		if err := json.Unmarshal([]byte(outputRaw.String), &wf.Output); err != nil {
			return nil, fmt.Errorf("解析输出失败: %w", err)
		}
	}
	return &wf, nil
}

func marshalNullable(value any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
