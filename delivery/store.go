package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/studioos/errors"
)

const defaultListLimit = 50

// Store persists deliveries. Platform rows change only through a
// compare-and-set on their version, and every platform change rewrites the
// delivery aggregate in the same transaction.
type Store struct {
	db *sql.DB
}

// NewStore creates a delivery store over a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status    Status
	ProjectID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// StuckPlatform is a platform task running past the watchdog cutoff
type StuckPlatform struct {
	DeliveryID string
	Platform   PlatformDelivery
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const deliveryColumns = `id, title, project_id, source_job_id, assets, status, progress, errors, created_at, updated_at, completed_at, revision`

const platformColumns = `platform_id, status, progress, url, error, handle, attempts, version, dispatched_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Create inserts a delivery, its platform rows and its initial log
func (s *Store) Create(ctx context.Context, d *Delivery) error {
	assets, err := json.Marshal(d.Assets)
	if err != nil {
		return errors.Wrap(err, "failed to marshal assets")
	}
	errs, err := marshalStrings(d.Errors)
	if err != nil {
		return errors.Wrap(err, "failed to marshal errors")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin create transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, nullString(d.ProjectID), nullString(d.SourceJobID), string(assets),
		string(d.Status), d.Progress, errs, d.CreatedAt.UTC(), d.UpdatedAt.UTC(), nullTime(d.CompletedAt), d.Revision)
	if err != nil {
		return errors.Wrapf(err, "failed to create delivery %s", d.ID)
	}

	for i, id := range d.Platforms {
		pd := d.PlatformDeliveries[id]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO platform_deliveries (delivery_id, position, `+platformColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, i, string(id), string(pd.Status), pd.Progress, nullString(pd.URL), nullString(pd.Error),
			nullString(string(pd.Handle)), pd.Attempts, pd.Version, nullTime(pd.DispatchedAt), pd.UpdatedAt.UTC())
		if err != nil {
			return errors.Wrapf(err, "failed to create platform %s for delivery %s", id, d.ID)
		}
	}

	for _, entry := range d.Logs {
		if err := insertLog(ctx, tx, d.ID, entry); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit delivery")
}

// Get loads a delivery with its platforms and log
func (s *Store) Get(ctx context.Context, id string) (*Delivery, error) {
	return getDelivery(ctx, s.db, id, true)
}

func getDelivery(ctx context.Context, q querier, id string, withLogs bool) (*Delivery, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "delivery %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get delivery")
	}
	if err := loadPlatforms(ctx, q, d); err != nil {
		return nil, err
	}
	if withLogs {
		if err := loadLogs(ctx, q, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// GetPlatform loads one platform row
func (s *Store) GetPlatform(ctx context.Context, deliveryID string, platform PlatformID) (*PlatformDelivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM platform_deliveries WHERE delivery_id = ? AND platform_id = ?`,
		deliveryID, string(platform))
	pd, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "platform %s of delivery %s", platform, deliveryID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get platform delivery")
	}
	return pd, nil
}

// PlatformUpdate is one compare-and-set write of a platform row: Platform
// is written only if the stored row still has FromVersion.
type PlatformUpdate struct {
	Platform    *PlatformDelivery
	From        Status
	FromVersion int
	Log         string // appended to the delivery history when not empty
}

// UpdatePlatform writes one platform row. See UpdatePlatforms.
func (s *Store) UpdatePlatform(ctx context.Context, deliveryID string, pd *PlatformDelivery, from Status, fromVersion int, logMsg string) (*Delivery, error) {
	return s.UpdatePlatforms(ctx, deliveryID, PlatformUpdate{Platform: pd, From: from, FromVersion: fromVersion, Log: logMsg})
}

// UpdatePlatforms applies every update, recomputes the delivery aggregate
// and appends the log lines in one transaction. Either all updates commit
// or none do: one lost compare-and-set returns ErrConflict and leaves every
// row untouched. On success each Platform.Version is advanced and the
// refreshed delivery is returned.
func (s *Store) UpdatePlatforms(ctx context.Context, deliveryID string, updates ...PlatformUpdate) (*Delivery, error) {
	if len(updates) == 0 {
		return nil, errors.AssertionFailedf("no platform updates for delivery %s", deliveryID)
	}
	var now time.Time
	for _, u := range updates {
		if !CanTransition(u.From, u.Platform.Status) {
			return nil, errors.WithDetail(
				errors.Wrapf(errors.ErrConflict, "illegal platform transition %s -> %s", u.From, u.Platform.Status),
				fmt.Sprintf("Delivery ID: %s, Platform: %s", deliveryID, u.Platform.PlatformID))
		}
		u.Platform.normalize()
		if t := u.Platform.UpdatedAt.UTC(); t.After(now) {
			now = t
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin platform update")
	}
	defer tx.Rollback()

	for _, u := range updates {
		if err := updatePlatformRow(ctx, tx, deliveryID, u); err != nil {
			return nil, err
		}
	}

	d, err := getDelivery(ctx, tx, deliveryID, false)
	if err != nil {
		return nil, err
	}
	d.Status, d.Progress = Aggregate(d.PlatformDeliveries)
	d.UpdatedAt = now
	if d.Status.IsTerminal() {
		if d.CompletedAt == nil {
			d.CompletedAt = &now
		}
	} else {
		d.CompletedAt = nil
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE deliveries SET status = ?, progress = ?, updated_at = ?, completed_at = ?, revision = revision + 1
		WHERE id = ?
		RETURNING revision`,
		string(d.Status), d.Progress, now, nullTime(d.CompletedAt), deliveryID).Scan(&d.Revision)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update aggregate of delivery %s", deliveryID)
	}

	for _, u := range updates {
		if u.Log == "" {
			continue
		}
		if err := insertLog(ctx, tx, deliveryID, LogEntry{Timestamp: now, Message: u.Log}); err != nil {
			return nil, err
		}
	}
	if err := loadLogs(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit platform update")
	}

	for _, u := range updates {
		u.Platform.Version = u.FromVersion + 1
	}
	return d, nil
}

func updatePlatformRow(ctx context.Context, q querier, deliveryID string, u PlatformUpdate) error {
	pd := u.Platform
	res, err := q.ExecContext(ctx, `
		UPDATE platform_deliveries
		SET status = ?, progress = ?, url = ?, error = ?, handle = ?, attempts = ?,
		    dispatched_at = ?, updated_at = ?, version = version + 1
		WHERE delivery_id = ? AND platform_id = ? AND version = ?`,
		string(pd.Status), pd.Progress, nullString(pd.URL), nullString(pd.Error), nullString(string(pd.Handle)),
		pd.Attempts, nullTime(pd.DispatchedAt), pd.UpdatedAt.UTC(),
		deliveryID, string(pd.PlatformID), u.FromVersion)
	if err != nil {
		return errors.Wrapf(err, "failed to update platform %s of delivery %s", pd.PlatformID, deliveryID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.WithDetail(
			errors.Wrapf(errors.ErrConflict, "platform %s changed since version %d", pd.PlatformID, u.FromVersion),
			fmt.Sprintf("Delivery ID: %s", deliveryID))
	}
	return nil
}

// AddError records a delivery-level error
func (s *Store) AddError(ctx context.Context, deliveryID, message string, now time.Time) error {
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE deliveries SET errors = json_insert(errors, '$[#]', ?), updated_at = ?, revision = revision + 1
		WHERE id = ?
		RETURNING revision`,
		message, now.UTC(), deliveryID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(errors.ErrNotFound, "delivery %s", deliveryID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to record error on delivery %s", deliveryID)
	}
	return nil
}

// List returns a page of deliveries (newest first, without logs) and the
// total matching count
func (s *Store) List(ctx context.Context, f Filter) ([]*Delivery, int, error) {
	var where []string
	var args []interface{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count deliveries")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	pageArgs := append(append([]interface{}{}, args...), limit, f.Offset)
	deliveries, err := s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries`+clause+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

// ListUnfinished returns deliveries with at least one platform still working
func (s *Store) ListUnfinished(ctx context.Context, limit int) ([]*Delivery, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE status IN (?, ?, ?, ?) ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), string(StatusValidating), string(StatusProcessing), string(StatusUploading), limit)
}

// ListStuckPlatforms returns working platform tasks dispatched before cutoff
func (s *Store) ListStuckPlatforms(ctx context.Context, cutoff time.Time, limit int) ([]StuckPlatform, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, `+platformColumns+` FROM platform_deliveries
		WHERE status IN (?, ?, ?, ?) AND dispatched_at IS NOT NULL AND dispatched_at < ?
		ORDER BY dispatched_at ASC LIMIT ?`,
		string(StatusPending), string(StatusValidating), string(StatusProcessing), string(StatusUploading),
		cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck platforms")
	}
	defer rows.Close()

	var out []StuckPlatform
	for rows.Next() {
		var deliveryID string
		pd, err := scanPlatformWith(rows, &deliveryID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan platform delivery")
		}
		out = append(out, StuckPlatform{DeliveryID: deliveryID, Platform: *pd})
	}
	return out, errors.Wrap(rows.Err(), "error iterating stuck platforms")
}

// CountByStatus returns the number of deliveries per aggregate status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count deliveries by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan delivery count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// CleanupOldDeliveries deletes finished deliveries completed before cutoff.
// Platform rows and logs go with them.
func (s *Store) CleanupOldDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old deliveries")
	}
	return res.RowsAffected()
}

func (s *Store) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deliveries")
	}
	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan delivery")
		}
		deliveries = append(deliveries, d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "error iterating deliveries")
	}

	// Platforms are loaded after the cursor closes; SQLite holds one
	// connection per open result set
	for _, d := range deliveries {
		if err := loadPlatforms(ctx, s.db, d); err != nil {
			return nil, err
		}
	}
	return deliveries, nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var (
		projectID, sourceJobID sql.NullString
		assets, errs           string
		completedAt            sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Title, &projectID, &sourceJobID, &assets, &d.Status, &d.Progress, &errs,
		&d.CreatedAt, &d.UpdatedAt, &completedAt, &d.Revision)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(assets), &d.Assets); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal assets for delivery %s", d.ID)
	}
	if err := json.Unmarshal([]byte(errs), &d.Errors); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal errors for delivery %s", d.ID)
	}
	d.ProjectID = projectID.String
	d.SourceJobID = sourceJobID.String
	d.CompletedAt = nullTimePtr(completedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func scanPlatform(row rowScanner) (*PlatformDelivery, error) {
	return scanPlatformWith(row)
}

// scanPlatformWith scans leading columns into prefix before the platform columns
func scanPlatformWith(row rowScanner, prefix ...interface{}) (*PlatformDelivery, error) {
	var pd PlatformDelivery
	var (
		url, errMsg, handle sql.NullString
		dispatchedAt        sql.NullTime
	)
	dest := append(prefix, &pd.PlatformID, &pd.Status, &pd.Progress, &url, &errMsg, &handle,
		&pd.Attempts, &pd.Version, &dispatchedAt, &pd.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	pd.URL = url.String
	pd.Error = errMsg.String
	pd.Handle = Handle(handle.String)
	pd.DispatchedAt = nullTimePtr(dispatchedAt)
	pd.UpdatedAt = pd.UpdatedAt.UTC()
	return &pd, nil
}

func loadPlatforms(ctx context.Context, q querier, d *Delivery) error {
	rows, err := q.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM platform_deliveries WHERE delivery_id = ? ORDER BY position ASC`, d.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to load platforms of delivery %s", d.ID)
	}
	defer rows.Close()

	d.Platforms = nil
	d.PlatformDeliveries = make(map[PlatformID]*PlatformDelivery)
	for rows.Next() {
		pd, err := scanPlatform(rows)
		if err != nil {
			return errors.Wrap(err, "failed to scan platform delivery")
		}
		d.Platforms = append(d.Platforms, pd.PlatformID)
		d.PlatformDeliveries[pd.PlatformID] = pd
	}
	return errors.Wrapf(rows.Err(), "error iterating platforms of delivery %s", d.ID)
}

func loadLogs(ctx context.Context, q querier, d *Delivery) error {
	rows, err := q.QueryContext(ctx,
		`SELECT timestamp, message FROM delivery_logs WHERE delivery_id = ? ORDER BY id ASC`, d.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to load logs of delivery %s", d.ID)
	}
	defer rows.Close()

	d.Logs = nil
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Message); err != nil {
			return errors.Wrap(err, "failed to scan delivery log")
		}
		e.Timestamp = e.Timestamp.UTC()
		d.Logs = append(d.Logs, e)
	}
	return errors.Wrapf(rows.Err(), "error iterating logs of delivery %s", d.ID)
}

func insertLog(ctx context.Context, q querier, deliveryID string, e LogEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO delivery_logs (delivery_id, timestamp, message) VALUES (?, ?, ?)`,
		deliveryID, e.Timestamp.UTC(), e.Message)
	return errors.Wrapf(err, "failed to append log to delivery %s", deliveryID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	return string(b), err
}
