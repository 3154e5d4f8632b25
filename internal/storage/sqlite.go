package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is RFC 3339 UTC with a fixed-width nanosecond fraction so that
// stored timestamps compare correctly as text in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// Store wraps a SQLite database with methods for vendors, outreach tasks,
// and the activity log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "outreach.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for migrations status and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Vendors ---

// CreateVendor inserts a new vendor record.
func (s *Store) CreateVendor(v Vendor) error {
	_, err := s.db.Exec(`
		INSERT INTO vendors (id, name, phone, email, notes, urgent, status, outreach_status, outreach_channel, outreach_sent_at, status_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.Phone, v.Email, v.Notes, boolToInt(v.Urgent), v.Status,
		v.OutreachStatus, v.OutreachChannel, formatOptionalTime(v.OutreachSentAt),
		formatTime(v.StatusUpdatedAt), formatTime(v.CreatedAt),
	)
	return err
}

const vendorColumns = `id, name, phone, email, notes, urgent, status, outreach_status, outreach_channel, outreach_sent_at, status_updated_at, created_at`

// GetVendor returns the vendor with the given id.
func (s *Store) GetVendor(id string) (Vendor, error) {
	row := s.db.QueryRow(`SELECT `+vendorColumns+` FROM vendors WHERE id = ?`, id)
	v, err := scanVendor(row)
	if err == sql.ErrNoRows {
		return Vendor{}, ErrNotFound
	}
	return v, err
}

// ListVendors returns vendors, optionally filtered by status, newest first.
func (s *Store) ListVendors(status string, limit int) ([]Vendor, error) {
	query := `SELECT ` + vendorColumns + ` FROM vendors`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// UpdateVendorEngagement applies a partial engagement update conditioned on
// the status_updated_at value the caller observed. It returns ErrConflict if
// another writer updated the vendor in the meantime.
func (s *Store) UpdateVendorEngagement(id string, upd VendorUpdate, observed, now time.Time) error {
	setClauses := []string{"status_updated_at = ?"}
	args := []any{formatTime(now)}

	if upd.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.OutreachStatus != nil {
		setClauses = append(setClauses, "outreach_status = ?")
		args = append(args, *upd.OutreachStatus)
	}
	if upd.OutreachChannel != nil {
		setClauses = append(setClauses, "outreach_channel = ?")
		args = append(args, *upd.OutreachChannel)
	}
	if upd.OutreachSentAt != nil {
		setClauses = append(setClauses, "outreach_sent_at = ?")
		args = append(args, formatTime(*upd.OutreachSentAt))
	}
	if upd.Urgent != nil {
		setClauses = append(setClauses, "urgent = ?")
		args = append(args, boolToInt(*upd.Urgent))
	}

	args = append(args, id, formatTime(observed))
	query := fmt.Sprintf(`UPDATE vendors SET %s WHERE id = ? AND status_updated_at = ?`, strings.Join(setClauses, ", "))

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a lost race from a missing vendor.
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vendors WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// UpdateVendorContact applies a partial contact-detail edit under the same
// status_updated_at condition as UpdateVendorEngagement. The token is bumped
// so an engagement writer holding a stale read of the contact fields loses
// its race and re-reads.
func (s *Store) UpdateVendorContact(id string, upd ContactUpdate, observed, now time.Time) error {
	setClauses := []string{"status_updated_at = ?"}
	args := []any{formatTime(now)}

	if upd.Phone != nil {
		setClauses = append(setClauses, "phone = ?")
		args = append(args, *upd.Phone)
	}
	if upd.Email != nil {
		setClauses = append(setClauses, "email = ?")
		args = append(args, *upd.Email)
	}
	if upd.Notes != nil {
		setClauses = append(setClauses, "notes = ?")
		args = append(args, *upd.Notes)
	}

	args = append(args, id, formatTime(observed))
	query := fmt.Sprintf(`UPDATE vendors SET %s WHERE id = ? AND status_updated_at = ?`, strings.Join(setClauses, ", "))

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vendors WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func scanVendor(row interface{ Scan(...any) error }) (Vendor, error) {
	var v Vendor
	var urgent int
	var sentAt, statusUpdatedAt, createdAt string
	err := row.Scan(&v.ID, &v.Name, &v.Phone, &v.Email, &v.Notes, &urgent, &v.Status,
		&v.OutreachStatus, &v.OutreachChannel, &sentAt, &statusUpdatedAt, &createdAt)
	if err != nil {
		return Vendor{}, err
	}
	v.Urgent = urgent != 0
	if v.OutreachSentAt, err = parseTime(sentAt); err != nil {
		return Vendor{}, fmt.Errorf("parsing outreach_sent_at: %w", err)
	}
	if v.StatusUpdatedAt, err = parseTime(statusUpdatedAt); err != nil {
		return Vendor{}, fmt.Errorf("parsing status_updated_at: %w", err)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return Vendor{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return v, nil
}

// --- Tasks ---

// DedupeKey derives the deterministic enqueue key for a task: duplicate
// trigger firings inside the same minute window collapse onto one task.
func DedupeKey(vendorID, taskType string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", vendorID, taskType, scheduledAt.UTC().Truncate(time.Minute).Unix())
}

// EnqueueTask creates a new PENDING task. If a task with the same dedupe key
// already exists the existing task is returned and created is false.
func (s *Store) EnqueueTask(t Task) (Task, bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = TaskPending
	if t.DedupeKey == "" {
		t.DedupeKey = DedupeKey(t.VendorID, t.Type, t.ScheduledAt)
	}
	if t.Metadata == "" {
		t.Metadata = "{}"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO tasks (id, vendor_id, type, status, scheduled_at, retry_count, metadata_json, last_error, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		t.ID, t.VendorID, t.Type, t.Status, formatTime(t.ScheduledAt),
		t.Metadata, t.DedupeKey, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return Task{}, false, fmt.Errorf("inserting task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, err
	}
	if n == 1 {
		return t, true, nil
	}

	existing, err := s.taskByDedupeKey(t.DedupeKey)
	if err != nil {
		return Task{}, false, fmt.Errorf("loading deduplicated task: %w", err)
	}
	return existing, false, nil
}

const taskColumns = `id, vendor_id, type, status, scheduled_at, retry_count, metadata_json, last_error, dedupe_key, created_at, updated_at`

func (s *Store) taskByDedupeKey(key string) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = ?`, key)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// DueTasks returns tasks eligible for dispatch at now: PENDING or RETRY with
// scheduled_at <= now, oldest schedule first, bounded to limit.
func (s *Store) DueTasks(now time.Time, limit int) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`,
		TaskPending, TaskRetry, formatTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// ClaimTask atomically moves a task from PENDING or RETRY to IN_PROGRESS.
// It returns false when the task was already claimed, finished, or missing,
// so overlapping dispatcher ticks cannot double-execute the same task.
func (s *Store) ClaimTask(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		TaskInProgress, formatTime(now), id, TaskPending, TaskRetry,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTask marks an IN_PROGRESS task COMPLETED.
func (s *Store) CompleteTask(id string, now time.Time) error {
	return s.finishTask(id, TaskCompleted, now, "")
}

// CompleteTaskWithNote marks an IN_PROGRESS task COMPLETED and records a note
// in last_error (used when a SEND is abandoned for an ineligible vendor).
func (s *Store) CompleteTaskWithNote(id string, now time.Time, note string) error {
	return s.finishTask(id, TaskCompleted, now, note)
}

func (s *Store) finishTask(id, status string, now time.Time, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, errMsg, formatTime(now), id, TaskInProgress,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryTask reschedules an IN_PROGRESS task for another attempt.
func (s *Store) RetryTask(id string, retryCount int, scheduledAt time.Time, errMsg string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, retry_count = ?, scheduled_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskRetry, retryCount, formatTime(scheduledAt), errMsg, formatTime(now), id, TaskInProgress,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask marks an IN_PROGRESS task terminally FAILED. The schedule is left
// untouched; FAILED tasks surface through the API for manual follow-up.
func (s *Store) FailTask(id string, retryCount int, errMsg string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskFailed, retryCount, errMsg, formatTime(now), id, TaskInProgress,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimStalledTasks recovers IN_PROGRESS tasks whose claim went stale
// (a dispatcher died mid-handler). Tasks under the retry ceiling go back to
// RETRY for immediate re-dispatch; the rest become FAILED. Returns how many
// tasks were touched.
func (s *Store) ReclaimStalledTasks(cutoff time.Time, maxRetries int, now time.Time) (int, error) {
	total := 0

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, last_error = 'stalled claim reclaimed', updated_at = ?
		WHERE status = ? AND updated_at < ? AND retry_count < ?`,
		TaskRetry, formatTime(now), formatTime(now), TaskInProgress, formatTime(cutoff), maxRetries,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	total += int(n)

	res, err = s.db.Exec(`
		UPDATE tasks SET status = ?, retry_count = retry_count + 1, last_error = 'stalled claim reclaimed; retries exhausted', updated_at = ?
		WHERE status = ? AND updated_at < ? AND retry_count >= ?`,
		TaskFailed, formatTime(now), TaskInProgress, formatTime(cutoff), maxRetries,
	)
	if err != nil {
		return 0, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return total + int(n), nil
}

// RequeueTask clones a FAILED task as a fresh PENDING task scheduled at now.
// The original stays immutable; the queue is append-only.
func (s *Store) RequeueTask(id string, now time.Time) (Task, error) {
	orig, err := s.GetTask(id)
	if err != nil {
		return Task{}, err
	}
	if orig.Status != TaskFailed {
		return Task{}, fmt.Errorf("task %s is %s, only FAILED tasks can be requeued", id, orig.Status)
	}

	clone := Task{
		VendorID:    orig.VendorID,
		Type:        orig.Type,
		ScheduledAt: now,
		Metadata:    orig.Metadata,
	}
	created, _, err := s.EnqueueTask(clone)
	return created, err
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(status string, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var scheduledAt, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.VendorID, &t.Type, &t.Status, &scheduledAt,
		&t.RetryCount, &t.Metadata, &t.LastError, &t.DedupeKey, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}
	if t.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return Task{}, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

// --- Activities ---

// AppendActivity appends one record to the activity log and returns it with
// its assigned sequence number. The log is append-only: there are no update
// or delete paths.
func (s *Store) AppendActivity(a Activity) (Activity, error) {
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO activities (vendor_id, type, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.VendorID, a.Type, a.Description, a.Metadata, formatTime(a.CreatedAt),
	)
	if err != nil {
		return Activity{}, err
	}
	a.Seq, err = res.LastInsertId()
	if err != nil {
		return Activity{}, err
	}
	return a, nil
}

// ListActivities returns a vendor's activity records, newest first.
func (s *Store) ListActivities(vendorID string, limit int) ([]Activity, error) {
	rows, err := s.db.Query(`
		SELECT seq, vendor_id, type, description, metadata_json, created_at
		FROM activities WHERE vendor_id = ?
		ORDER BY seq DESC LIMIT ?`,
		vendorID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Activity
	for rows.Next() {
		var a Activity
		var createdAt string
		if err := rows.Scan(&a.Seq, &a.VendorID, &a.Type, &a.Description, &a.Metadata, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// CountActivities returns how many records of the given type exist for a
// vendor. Pass an empty type to count all of them.
func (s *Store) CountActivities(vendorID, activityType string) (int, error) {
	var n int
	var err error
	if activityType == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM activities WHERE vendor_id = ?`, vendorID).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM activities WHERE vendor_id = ? AND type = ?`, vendorID, activityType).Scan(&n)
	}
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}
