package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hvqueue/internal/queue"
	logx "hvqueue/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql. Queries are written with '?'
// placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect

	q map[string]string
}

const jobColumns = `id, action, args, status, job_group, scheduled_at, created_at,
	claimed_by, claim_expires_at, attempts, started_at, finished_at, last_error`

var queries = map[string]string{
	"insert": `INSERT INTO jobs(id, action, args, status, job_group, scheduled_at, created_at, attempts)
		VALUES(?,?,?,?,?,?,?,0)`,
	"get": `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`,
	"due": `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? AND scheduled_at <= ? AND (claimed_by IS NULL OR claim_expires_at < ?)
		ORDER BY scheduled_at ASC, id ASC LIMIT ?`,
	"due.group": `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? AND scheduled_at <= ? AND (claimed_by IS NULL OR claim_expires_at < ?) AND job_group = ?
		ORDER BY scheduled_at ASC, id ASC LIMIT ?`,
	"claim": `UPDATE jobs SET status = ?, claimed_by = ?, claim_expires_at = ?
		WHERE id = ? AND status = ? AND scheduled_at <= ? AND (claimed_by IS NULL OR claim_expires_at < ?)`,
	"release": `UPDATE jobs SET status = ?, claimed_by = NULL, claim_expires_at = NULL
		WHERE claimed_by = ? AND status = ?`,
	"expired.fail": `UPDATE jobs SET status = ?, claimed_by = NULL, claim_expires_at = NULL, finished_at = ?, last_error = ?
		WHERE status = ? AND claim_expires_at < ? AND attempts >= ?`,
	"expired.reset": `UPDATE jobs SET status = ?, claimed_by = NULL, claim_expires_at = NULL
		WHERE status = ? AND claim_expires_at < ?`,
	"started": `UPDATE jobs SET attempts = attempts + 1, started_at = ?
		WHERE id = ? AND status = ?`,
	"started.claim": `UPDATE jobs SET attempts = attempts + 1, started_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
	"finish": `UPDATE jobs SET status = ?, claimed_by = NULL, claim_expires_at = NULL, finished_at = ?, last_error = ?
		WHERE id = ? AND status IN (?, ?)`,
	"finish.claim": `UPDATE jobs SET status = ?, claimed_by = NULL, claim_expires_at = NULL, finished_at = ?, last_error = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
	"cancel": `UPDATE jobs SET status = ?, claimed_by = NULL, claim_expires_at = NULL, finished_at = ?
		WHERE id = ? AND status = ?`,
	"retry": `UPDATE jobs SET status = ?, scheduled_at = ?, claimed_by = NULL, claim_expires_at = NULL, finished_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
	"purge": `DELETE FROM jobs WHERE status IN (?, ?, ?) AND finished_at < ?`,
	"stats":        `SELECT status, COUNT(*) FROM jobs GROUP BY status`,
	"stats.claims": `SELECT COUNT(DISTINCT claimed_by) FROM jobs WHERE status = ? AND claim_expires_at >= ?`,
	"slot.acquire": `INSERT INTO runner_slots(slot, holder, expires_at) VALUES(?,?,?)
		ON CONFLICT(slot) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE runner_slots.expires_at < ?`,
	"slot.renew":   `UPDATE runner_slots SET expires_at = ? WHERE slot = ? AND holder = ?`,
	"slot.release": `DELETE FROM runner_slots WHERE slot = ? AND holder = ?`,
	"slot.active":  `SELECT slot FROM runner_slots WHERE expires_at >= ? ORDER BY slot`,
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	s := &sqlStore{db: db, log: log, dialect: d, q: make(map[string]string, len(queries))}
	for k, v := range queries {
		s.q[k] = rebind(d, v)
	}
	return s
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func rebind(d dialect, q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if strings.TrimSpace(p.Payload.Action) == "" {
		return "", errors.New("enqueue: action is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("enqueue: new id: %w", err)
	}
	now := time.Now()
	at := p.ScheduledAt
	if at.IsZero() {
		at = now
	}
	_, err = s.db.ExecContext(ctx, s.q["insert"],
		id.String(), p.Payload.Action, nullStr(string(p.Payload.Args)), string(queue.StatusPending),
		strings.TrimSpace(p.Group), at.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id.String(), nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (queue.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q["get"], id))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, ErrNotFound
	}
	if err != nil {
		return queue.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *sqlStore) ListDue(ctx context.Context, group string, limit int, now time.Time) ([]queue.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ms := now.UnixMilli()
	var (
		rows *sql.Rows
		err  error
	)
	if group = strings.TrimSpace(group); group == "" {
		rows, err = s.db.QueryContext(ctx, s.q["due"], string(queue.StatusPending), ms, ms, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q["due.group"], string(queue.StatusPending), ms, ms, group, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	return collectJobs(rows)
}

func (s *sqlStore) List(ctx context.Context, f ListFilter) ([]queue.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if g := strings.TrimSpace(f.Group); g != "" {
		where = append(where, "job_group = ?")
		args = append(args, g)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, q), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *sqlStore) ClaimJobs(ctx context.Context, claimID string, candidates []string, now, expiresAt time.Time) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q["claim"])
	if err != nil {
		return nil, fmt.Errorf("claim: prepare: %w", err)
	}
	defer stmt.Close()

	ms := now.UnixMilli()
	got := make([]string, 0, len(candidates))
	for _, id := range candidates {
		res, err := stmt.ExecContext(ctx,
			string(queue.StatusInProgress), claimID, expiresAt.UnixMilli(),
			id, string(queue.StatusPending), ms, ms,
		)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			got = append(got, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}
	return got, nil
}

func (s *sqlStore) ReleaseClaim(ctx context.Context, claimID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q["release"],
		string(queue.StatusPending), claimID, string(queue.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("release claim %s: %w", claimID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) ReclaimExpired(ctx context.Context, now time.Time, maxAttempts int) (ReclaimResult, error) {
	var out ReclaimResult
	ms := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("reclaim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if maxAttempts > 0 {
		res, err := tx.ExecContext(ctx, s.q["expired.fail"],
			string(queue.StatusFailed), ms, fmt.Sprintf("abandoned: claim expired after %d attempts", maxAttempts),
			string(queue.StatusInProgress), ms, maxAttempts,
		)
		if err != nil {
			return out, fmt.Errorf("reclaim: fail abandoned: %w", err)
		}
		out.Failed, _ = res.RowsAffected()
	}
	res, err := tx.ExecContext(ctx, s.q["expired.reset"],
		string(queue.StatusPending), string(queue.StatusInProgress), ms)
	if err != nil {
		return out, fmt.Errorf("reclaim: reset: %w", err)
	}
	out.Reset, _ = res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim: commit: %w", err)
	}
	return out, nil
}

func (s *sqlStore) MarkStarted(ctx context.Context, id, claimID string, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if claimID == "" {
		res, err = s.db.ExecContext(ctx, s.q["started"], now.UnixMilli(), id, string(queue.StatusInProgress))
	} else {
		res, err = s.db.ExecContext(ctx, s.q["started.claim"], now.UnixMilli(), id, string(queue.StatusInProgress), claimID)
	}
	if err != nil {
		return fmt.Errorf("mark started %s: %w", id, err)
	}
	return s.checkApplied(ctx, res, id, claimID)
}

func (s *sqlStore) MarkComplete(ctx context.Context, id, claimID string, now time.Time) error {
	return s.finish(ctx, id, claimID, queue.StatusComplete, "", now)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id, claimID, reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		reason = "failed"
	}
	return s.finish(ctx, id, claimID, queue.StatusFailed, reason, now)
}

func (s *sqlStore) finish(ctx context.Context, id, claimID string, st queue.Status, reason string, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if claimID == "" {
		res, err = s.db.ExecContext(ctx, s.q["finish"],
			string(st), now.UnixMilli(), nullStr(reason),
			id, string(queue.StatusPending), string(queue.StatusInProgress))
	} else {
		res, err = s.db.ExecContext(ctx, s.q["finish.claim"],
			string(st), now.UnixMilli(), nullStr(reason),
			id, string(queue.StatusInProgress), claimID)
	}
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", st, id, err)
	}
	return s.checkApplied(ctx, res, id, claimID)
}

// checkApplied maps a zero-row conditional update to the reason it missed.
func (s *sqlStore) checkApplied(ctx context.Context, res sql.Result, id, claimID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if claimID != "" {
		return ErrClaimLost
	}
	return ErrConflict
}

func (s *sqlStore) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q["cancel"],
		string(queue.StatusCanceled), now.UnixMilli(), id, string(queue.StatusPending))
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return s.checkApplied(ctx, res, id, "")
}

func (s *sqlStore) Retry(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q["retry"],
		string(queue.StatusPending), at.UnixMilli(), id,
		string(queue.StatusFailed), string(queue.StatusCanceled))
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	return s.checkApplied(ctx, res, id, "")
}

func (s *sqlStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q["purge"],
		string(queue.StatusComplete), string(queue.StatusFailed), string(queue.StatusCanceled),
		before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	out := Stats{ByStatus: map[queue.Status]int64{}}
	rows, err := s.db.QueryContext(ctx, s.q["stats"])
	if err != nil {
		return out, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return out, fmt.Errorf("stats: %w", err)
		}
		out.ByStatus[queue.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, s.q["stats.claims"],
		string(queue.StatusInProgress), now.UnixMilli()).Scan(&out.ActiveClaims); err != nil {
		return out, fmt.Errorf("stats: claims: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AcquireSlot(ctx context.Context, slot int, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q["slot.acquire"], slot, holder, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire slot %d: %w", slot, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) RenewSlot(ctx context.Context, slot int, holder string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q["slot.renew"], expiresAt.UnixMilli(), slot, holder)
	if err != nil {
		return false, fmt.Errorf("renew slot %d: %w", slot, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ReleaseSlot(ctx context.Context, slot int, holder string) error {
	if _, err := s.db.ExecContext(ctx, s.q["slot.release"], slot, holder); err != nil {
		return fmt.Errorf("release slot %d: %w", slot, err)
	}
	return nil
}

func (s *sqlStore) ActiveSlots(ctx context.Context, now time.Time) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q["slot.active"], now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("active slots: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("active slots: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (queue.Job, error) {
	var (
		j                         queue.Job
		args, claimedBy, lastErr  sql.NullString
		status                    string
		scheduled, created        int64
		claimExp, started, finish sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.Payload.Action, &args, &status, &j.Group, &scheduled, &created,
		&claimedBy, &claimExp, &j.Attempts, &started, &finish, &lastErr); err != nil {
		return queue.Job{}, err
	}
	j.Status = queue.Status(status)
	if args.Valid && args.String != "" {
		j.Payload.Args = []byte(args.String)
	}
	j.ScheduledAt = time.UnixMilli(scheduled)
	j.CreatedAt = time.UnixMilli(created)
	j.ClaimedBy = claimedBy.String
	j.ClaimExpiresAt = msTime(claimExp)
	j.StartedAt = msTime(started)
	j.FinishedAt = msTime(finish)
	j.LastError = lastErr.String
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]queue.Job, error) {
	defer rows.Close()
	var out []queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func msTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
