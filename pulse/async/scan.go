package async

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/vigil/db"
	"github.com/teranos/vigil/errors"
)

// jobScanArgs holds the nullable columns of a job row until they are decoded.
type jobScanArgs struct {
	AssetID       sql.NullString
	Payload       sql.NullString
	BlockedReason sql.NullString
	NextRunAt     sql.NullString
	LastCheckAt   sql.NullString
	Result        sql.NullString
	ErrorMsg      sql.NullString
	RuleID        sql.NullString
	Gate          sql.NullString
	AfterJobID    sql.NullString
	CreatedAt     string
	StartedAt     sql.NullString
	CompletedAt   sql.NullString
	UpdatedAt     string
}

// jobColumns is the column list every job SELECT uses, in scan order.
const jobColumns = `id, type, asset_id, payload, state, deferred, blocked_reason,
	next_run_at, attempts, last_check_at, progress, result, error,
	rule_id, gate, after_job_id, source, created_at, started_at, completed_at, updated_at`

func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&args.AssetID,
		&args.Payload,
		&job.State,
		&job.Deferred,
		&args.BlockedReason,
		&args.NextRunAt,
		&job.Attempts,
		&args.LastCheckAt,
		&job.Progress,
		&args.Result,
		&args.ErrorMsg,
		&args.RuleID,
		&args.Gate,
		&args.AfterJobID,
		&job.Source,
		&args.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.UpdatedAt,
	}
}

func (args *jobScanArgs) apply(job *Job) error {
	job.AssetID = args.AssetID.String
	job.BlockedReason = args.BlockedReason.String
	job.Error = args.ErrorMsg.String
	job.RuleID = args.RuleID.String
	job.AfterJobID = args.AfterJobID.String

	if args.Payload.Valid && args.Payload.String != "" {
		if err := json.Unmarshal([]byte(args.Payload.String), &job.Payload); err != nil {
			return errors.Wrapf(err, "failed to decode payload for job %s", job.ID)
		}
	}
	if args.Result.Valid && args.Result.String != "" {
		if err := json.Unmarshal([]byte(args.Result.String), &job.Result); err != nil {
			return errors.Wrapf(err, "failed to decode result for job %s", job.ID)
		}
	}
	if args.Gate.Valid && args.Gate.String != "" {
		var gate Gate
		if err := json.Unmarshal([]byte(args.Gate.String), &gate); err != nil {
			return errors.Wrapf(err, "failed to decode gate for job %s", job.ID)
		}
		job.Gate = &gate
	}

	var err error
	if job.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return err
	}
	if job.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return err
	}
	if job.NextRunAt, err = db.ParseNullTime(args.NextRunAt); err != nil {
		return err
	}
	if job.LastCheckAt, err = db.ParseNullTime(args.LastCheckAt); err != nil {
		return err
	}
	if job.StartedAt, err = db.ParseNullTime(args.StartedAt); err != nil {
		return err
	}
	if job.CompletedAt, err = db.ParseNullTime(args.CompletedAt); err != nil {
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one job from a *sql.Row or *sql.Rows.
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	if err := args.apply(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func encodeJSON(v interface{}, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to encode json column")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
