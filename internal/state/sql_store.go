package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"github.com/darkhaniop/simple-task-api-htc/db/migrations"
	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

// SQLStore backs Store with a database/sql handle. Queries are written with
// ? placeholders and rebound for dialects that number their parameters.
// Timestamps are stored as unix nanoseconds.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (s *SQLStore) Dialect() string { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&sqlTx{tx: tx, store: s}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	migFS, err := migrations.For(s.dialect)
	if err != nil {
		return err
	}
	files, err := listMigrationFiles(migFS)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := s.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, migFS, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version=?`), version).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) applyMigration(ctx context.Context, migFS fs.FS, file string) error {
	sqlBytes, err := fs.ReadFile(migFS, file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.rebind(q), args...)
}

func (t *sqlTx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.store.rebind(q), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.rebind(q), args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, creation_date, state, state_date, sub_params, retries_left, cluster_id, proc_id, expiration_date`

func scanTask(row rowScanner) (htc.Task, error) {
	var (
		t                  htc.Task
		created, stateDate int64
		params             string
		expiration         null.Int
	)
	if err := row.Scan(&t.ID, &created, &t.State, &stateDate, &params, &t.RetriesLeft, &t.ClusterID, &t.ProcID, &expiration); err != nil {
		return htc.Task{}, err
	}
	t.CreationDate = fromNanos(created)
	t.StateDate = fromNanos(stateDate)
	t.ExpirationDate = nullTimeFromNanos(expiration)
	if err := unmarshalJSON(params, &t.SubmissionParams); err != nil {
		return htc.Task{}, fmt.Errorf("decode task %s params: %w", t.ID, err)
	}
	if t.SubmissionParams == nil {
		t.SubmissionParams = map[string]string{}
	}
	return t, nil
}

func (t *sqlTx) GetTask(ctx context.Context, id string) (htc.Task, bool, error) {
	task, err := scanTask(t.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return htc.Task{}, false, nil
	}
	if err != nil {
		return htc.Task{}, false, err
	}
	return task, true, nil
}

func (t *sqlTx) CreateTask(ctx context.Context, task htc.Task) error {
	if _, ok, err := t.GetTask(ctx, task.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	if task.CreationDate.IsZero() {
		task.CreationDate = time.Now().UTC()
	}
	if task.StateDate.IsZero() {
		task.StateDate = task.CreationDate
	}
	params, err := marshalJSON(task.SubmissionParams)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		task.ID, task.CreationDate.UnixNano(), int(task.State), task.StateDate.UnixNano(), params, task.RetriesLeft,
		task.ClusterID, task.ProcID, nanosOrNull(task.ExpirationDate),
	)
	return err
}

func (t *sqlTx) UpdateTask(ctx context.Context, task htc.Task) error {
	params, err := marshalJSON(task.SubmissionParams)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx,
		`UPDATE tasks SET state=?, state_date=?, sub_params=?, retries_left=?, cluster_id=?, proc_id=?, expiration_date=? WHERE id=?`,
		int(task.State), task.StateDate.UnixNano(), params, task.RetriesLeft, task.ClusterID, task.ProcID, nanosOrNull(task.ExpirationDate), task.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

func (t *sqlTx) DeleteTask(ctx context.Context, id string) (bool, error) {
	if _, err := t.exec(ctx, `DELETE FROM task_log_entries WHERE task_id=?`, id); err != nil {
		return false, err
	}
	res, err := t.exec(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) ListTasks(ctx context.Context, filter TaskFilter) ([]htc.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	where := make([]string, 0, 2)
	args := make([]any, 0, len(filter.States)+1)
	if len(filter.States) > 0 {
		marks := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			marks = append(marks, "?")
			args = append(args, int(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	if filter.WithRetries {
		where = append(where, "retries_left > 0")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY creation_date ASC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]htc.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *sqlTx) CountTasksByState(ctx context.Context) (map[htc.TaskState]int, error) {
	rows, err := t.query(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[htc.TaskState]int)
	for rows.Next() {
		var (
			st int
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[htc.TaskState(st)] = n
	}
	return out, rows.Err()
}

const clusterColumns = `id, creation_date, task_id, sub_params, cluster_ad, first_proc, num_procs, status`

func scanCluster(row rowScanner) (htc.Cluster, error) {
	var (
		c                      htc.Cluster
		created                int64
		params, ad, statusJSON string
	)
	if err := row.Scan(&c.ID, &created, &c.TaskID, &params, &ad, &c.FirstProc, &c.NumProcs, &statusJSON); err != nil {
		return htc.Cluster{}, err
	}
	c.CreationDate = fromNanos(created)
	if err := unmarshalJSON(params, &c.SubmissionParams); err != nil {
		return htc.Cluster{}, fmt.Errorf("decode cluster %d params: %w", c.ID, err)
	}
	if err := unmarshalJSON(ad, &c.Descriptor); err != nil {
		return htc.Cluster{}, fmt.Errorf("decode cluster %d ad: %w", c.ID, err)
	}
	if err := unmarshalJSON(statusJSON, &c.Status); err != nil {
		return htc.Cluster{}, fmt.Errorf("decode cluster %d status: %w", c.ID, err)
	}
	if c.SubmissionParams == nil {
		c.SubmissionParams = map[string]string{}
	}
	if c.Descriptor == nil {
		c.Descriptor = map[string]any{}
	}
	return c, nil
}

func (t *sqlTx) GetCluster(ctx context.Context, id int64) (htc.Cluster, bool, error) {
	c, err := scanCluster(t.queryRow(ctx, `SELECT `+clusterColumns+` FROM htc_clusters WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return htc.Cluster{}, false, nil
	}
	if err != nil {
		return htc.Cluster{}, false, err
	}
	return c, true, nil
}

func (t *sqlTx) CreateCluster(ctx context.Context, cluster htc.Cluster) (htc.Cluster, bool, error) {
	existing, ok, err := t.GetCluster(ctx, cluster.ID)
	if err != nil {
		return htc.Cluster{}, false, err
	}
	if ok {
		return existing, false, nil
	}
	if cluster.CreationDate.IsZero() {
		cluster.CreationDate = time.Now().UTC()
	}
	params, ad, statusJSON, err := encodeCluster(cluster)
	if err != nil {
		return htc.Cluster{}, false, err
	}
	if _, err := t.exec(ctx,
		`INSERT INTO htc_clusters (`+clusterColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		cluster.ID, cluster.CreationDate.UnixNano(), cluster.TaskID, params, ad, cluster.FirstProc, cluster.NumProcs, statusJSON,
	); err != nil {
		return htc.Cluster{}, false, err
	}
	return cluster, true, nil
}

func (t *sqlTx) UpdateCluster(ctx context.Context, cluster htc.Cluster) error {
	params, ad, statusJSON, err := encodeCluster(cluster)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx,
		`UPDATE htc_clusters SET task_id=?, sub_params=?, cluster_ad=?, first_proc=?, num_procs=?, status=? WHERE id=?`,
		cluster.TaskID, params, ad, cluster.FirstProc, cluster.NumProcs, statusJSON, cluster.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrClusterNotFound, cluster.ID)
	}
	return nil
}

func encodeCluster(c htc.Cluster) (params, ad, status string, err error) {
	if params, err = marshalJSON(c.SubmissionParams); err != nil {
		return "", "", "", err
	}
	if ad, err = marshalJSON(c.Descriptor); err != nil {
		return "", "", "", err
	}
	if status, err = marshalJSON(c.Status); err != nil {
		return "", "", "", err
	}
	return params, ad, status, nil
}

const eventColumns = `id, creation_date, cluster_id, proc_id, event_time, event_type, details`

func scanEvent(row rowScanner) (htc.JobEvent, error) {
	var (
		e       htc.JobEvent
		created int64
		details string
	)
	if err := row.Scan(&e.ID, &created, &e.ClusterID, &e.ProcID, &e.Timestamp, &e.EventType, &details); err != nil {
		return htc.JobEvent{}, err
	}
	e.CreationDate = fromNanos(created)
	if err := unmarshalJSON(details, &e.Details); err != nil {
		return htc.JobEvent{}, fmt.Errorf("decode event %s details: %w", e.ID, err)
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e, nil
}

func (t *sqlTx) GetJobEvent(ctx context.Context, id string) (htc.JobEvent, bool, error) {
	e, err := scanEvent(t.queryRow(ctx, `SELECT `+eventColumns+` FROM htc_job_events WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return htc.JobEvent{}, false, nil
	}
	if err != nil {
		return htc.JobEvent{}, false, err
	}
	return e, true, nil
}

func (t *sqlTx) CreateJobEvent(ctx context.Context, event htc.JobEvent) error {
	if event.CreationDate.IsZero() {
		event.CreationDate = time.Now().UTC()
	}
	details, err := marshalJSON(event.Details)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx,
		`INSERT INTO htc_job_events (`+eventColumns+`) VALUES (?,?,?,?,?,?,?)`,
		event.ID, event.CreationDate.UnixNano(), event.ClusterID, event.ProcID, event.Timestamp, event.EventType, details,
	)
	return err
}

func (t *sqlTx) ListJobEvents(ctx context.Context, clusterID int64) ([]htc.JobEvent, error) {
	rows, err := t.query(ctx, `SELECT `+eventColumns+` FROM htc_job_events WHERE cluster_id=? ORDER BY event_time ASC, id ASC`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]htc.JobEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) AppendLogEntry(ctx context.Context, entry htc.LogEntry) error {
	if entry.CreationDate.IsZero() {
		entry.CreationDate = time.Now().UTC()
	}
	_, err := t.exec(ctx,
		`INSERT INTO task_log_entries (task_id, cluster_id, action, from_state, to_state, message, creation_date) VALUES (?,?,?,?,?,?,?)`,
		entry.TaskID, entry.ClusterID, entry.Action, int(entry.FromState), int(entry.ToState), entry.Message, entry.CreationDate.UnixNano(),
	)
	return err
}

func (t *sqlTx) ListLogEntries(ctx context.Context, taskID string) ([]htc.LogEntry, error) {
	rows, err := t.query(ctx,
		`SELECT id, task_id, cluster_id, action, from_state, to_state, message, creation_date FROM task_log_entries WHERE task_id=? ORDER BY id ASC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]htc.LogEntry, 0)
	for rows.Next() {
		var (
			e        htc.LogEntry
			from, to int
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ClusterID, &e.Action, &from, &to, &e.Message, &created); err != nil {
			return nil, err
		}
		e.FromState = htc.TaskState(from)
		e.ToState = htc.TaskState(to)
		e.CreationDate = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosOrNull(t null.Time) null.Int {
	if !t.Valid {
		return null.Int{}
	}
	return null.IntFrom(t.Time.UnixNano())
}

func nullTimeFromNanos(n null.Int) null.Time {
	if !n.Valid {
		return null.Time{}
	}
	return null.TimeFrom(fromNanos(n.Int64))
}
