package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/studioos/errors"
)

// jobColumns is the column list every job SELECT uses, in scan order
const jobColumns = `id, type, priority, state, project_id, asset_ids, parameters, outputs,
	progress_phase, progress_percent, progress_message, attempts, max_attempts,
	error, error_code, rerun_of, run_after, attempt_started_at,
	created_at, started_at, completed_at, updated_at, revision`

// jobScanArgs holds nullable columns while a row is scanned
type jobScanArgs struct {
	ProjectID        sql.NullString
	AssetIDs         string
	Parameters       string
	Outputs          string
	ErrorMsg         sql.NullString
	ErrorCode        sql.NullString
	RerunOf          sql.NullString
	RunAfter         sql.NullTime
	AttemptStartedAt sql.NullTime
	StartedAt        sql.NullTime
	CompletedAt      sql.NullTime
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Priority,
		&job.State,
		&args.ProjectID,
		&args.AssetIDs,
		&args.Parameters,
		&args.Outputs,
		&job.Progress.Phase,
		&job.Progress.Percent,
		&job.Progress.Message,
		&job.Attempts,
		&job.MaxAttempts,
		&args.ErrorMsg,
		&args.ErrorCode,
		&args.RerunOf,
		&args.RunAfter,
		&args.AttemptStartedAt,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
		&job.Revision,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args.AssetIDs), &job.AssetIDs); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal asset_ids for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(args.Outputs), &job.Outputs); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal outputs for job %s", job.ID)
	}
	if args.Parameters != "" && args.Parameters != "{}" {
		job.Parameters = json.RawMessage(args.Parameters)
	}

	job.ProjectID = args.ProjectID.String
	job.Error = args.ErrorMsg.String
	job.ErrorCode = ErrorCode(args.ErrorCode.String)
	job.RerunOf = args.RerunOf.String
	job.RunAfter = nullTimePtr(args.RunAfter)
	job.AttemptStartedAt = nullTimePtr(args.AttemptStartedAt)
	job.StartedAt = nullTimePtr(args.StartedAt)
	job.CompletedAt = nullTimePtr(args.CompletedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	return &job, nil
}

func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
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

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	return string(b), err
}

func parametersColumn(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
