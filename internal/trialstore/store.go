// Package trialstore is SQLite-backed persistence for trial documents and
// eligibility-criteria jobs.
package trialstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
)

var ErrNotFound = errors.New("not found")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trial_documents (
	document_id TEXT PRIMARY KEY,
	sections    TEXT NOT NULL DEFAULT '{}',
	metadata    TEXT NOT NULL DEFAULT '{}',
	vectors     TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	ecid             TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'Pending',
	inclusion        TEXT NOT NULL DEFAULT '[]',
	exclusion        TEXT NOT NULL DEFAULT '[]',
	categorized      TEXT NOT NULL DEFAULT '{}',
	user_categorized TEXT NOT NULL DEFAULT '{}',
	metrics          TEXT NOT NULL DEFAULT '[]',
	warnings         TEXT NOT NULL DEFAULT '[]',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS similar_trials (
	ecid       TEXT PRIMARY KEY,
	request    TEXT NOT NULL DEFAULT '{}',
	documents  TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	ecid            TEXT NOT NULL,
	user_name       TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL DEFAULT '',
	seen            INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_states (
	ecid       TEXT NOT NULL,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (ecid, step)
);
`

type Store struct {
	db *sqlx.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DocumentRecord is one stored trial document with its section text,
// structured metadata and section embeddings.
type DocumentRecord struct {
	DocumentID string
	Sections   map[eligibility.Section]string
	Metadata   eligibility.DocumentMetadata
	Vectors    map[eligibility.Section][]float32
}

func (s *Store) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	if rec.DocumentID == "" {
		return errors.New("document_id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO trial_documents (document_id, sections, metadata, vectors, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.DocumentID,
		marshalJSON(rec.Sections),
		marshalJSON(rec.Metadata),
		marshalJSON(rec.Vectors),
		timeToString(time.Now()),
	)
	return err
}

// Metadata implements eligibility.MetadataSource.
func (s *Store) Metadata(ctx context.Context, documentID string) (eligibility.DocumentMetadata, error) {
	var raw string
	err := s.db.QueryRowxContext(ctx, "SELECT metadata FROM trial_documents WHERE document_id = ?", documentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return eligibility.DocumentMetadata{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return eligibility.DocumentMetadata{}, err
	}
	md := eligibility.UnknownMetadata()
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return eligibility.DocumentMetadata{}, fmt.Errorf("decode metadata for %s: %w", documentID, err)
	}
	return md, nil
}

// Document implements eligibility.DocumentSource.
func (s *Store) Document(ctx context.Context, documentID string) (eligibility.DocumentText, error) {
	var raw string
	err := s.db.QueryRowxContext(ctx, "SELECT sections FROM trial_documents WHERE document_id = ?", documentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return eligibility.DocumentText{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return eligibility.DocumentText{}, err
	}
	sections := map[eligibility.Section]string{}
	if err := json.Unmarshal([]byte(raw), &sections); err != nil {
		return eligibility.DocumentText{}, fmt.Errorf("decode sections for %s: %w", documentID, err)
	}
	return eligibility.DocumentText{DocumentID: documentID, Sections: sections}, nil
}

// SectionVectors implements eligibility.SectionVectorSource.
func (s *Store) SectionVectors(ctx context.Context, documentID string) (map[eligibility.Section][]float32, error) {
	var raw string
	err := s.db.QueryRowxContext(ctx, "SELECT vectors FROM trial_documents WHERE document_id = ?", documentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	vectors := map[eligibility.Section][]float32{}
	if err := json.Unmarshal([]byte(raw), &vectors); err != nil {
		return nil, fmt.Errorf("decode vectors for %s: %w", documentID, err)
	}
	return vectors, nil
}

// SetJobState upserts the job row keyed by ecid. An existing row keeps its
// created_at.
func (s *Store) SetJobState(ctx context.Context, jobID string, state eligibility.JobState) error {
	if jobID == "" {
		return errors.New("ecid is required")
	}
	now := timeToString(time.Now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (ecid, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ecid) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		jobID, string(state), now, now)
	return err
}

// SaveJobResult upserts the full job record. created_at of an existing row
// is preserved; updated_at always advances.
func (s *Store) SaveJobResult(ctx context.Context, result eligibility.Result) error {
	if result.JobID == "" {
		return errors.New("ecid is required")
	}
	now := timeToString(time.Now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (ecid, state, inclusion, exclusion, categorized, user_categorized, metrics, warnings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ecid) DO UPDATE SET
			state = excluded.state,
			inclusion = excluded.inclusion,
			exclusion = excluded.exclusion,
			categorized = excluded.categorized,
			user_categorized = excluded.user_categorized,
			metrics = excluded.metrics,
			warnings = excluded.warnings,
			updated_at = excluded.updated_at`,
		result.JobID,
		string(result.State),
		marshalJSON(result.GeneratedInclusion),
		marshalJSON(result.GeneratedExclusion),
		marshalJSON(result.CategorizedData),
		marshalJSON(result.UserCategorizedData),
		marshalJSON(result.Metrics),
		marshalJSON(result.Warnings),
		now, now)
	return err
}

// JobRecord is the persisted view of one job.
type JobRecord struct {
	JobID               string                                     `json:"ecid"`
	State               eligibility.JobState                       `json:"state"`
	Inclusion           []eligibility.CandidateCriterion           `json:"inclusionCriteria"`
	Exclusion           []eligibility.CandidateCriterion           `json:"exclusionCriteria"`
	CategorizedData     map[string]eligibility.CategorizedCriteria `json:"categorizedData"`
	UserCategorizedData map[string]eligibility.CategorizedCriteria `json:"userCategorizedData"`
	Metrics             []eligibility.ValueMetric                  `json:"metrics"`
	Warnings            []string                                   `json:"warnings"`
	CreatedAt           time.Time                                  `json:"created_at"`
	UpdatedAt           time.Time                                  `json:"updated_at"`
}

func (s *Store) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT ecid, state, inclusion, exclusion, categorized, user_categorized, metrics, warnings, created_at, updated_at
		FROM jobs WHERE ecid = ?`, jobID)
	var rec JobRecord
	var state, inclusion, exclusion, categorized, userCategorized, metrics, warnings, createdAt, updatedAt string
	err := row.Scan(&rec.JobID, &state, &inclusion, &exclusion, &categorized, &userCategorized, &metrics, &warnings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return JobRecord{}, err
	}
	rec.State = eligibility.JobState(state)
	_ = json.Unmarshal([]byte(inclusion), &rec.Inclusion)
	_ = json.Unmarshal([]byte(exclusion), &rec.Exclusion)
	_ = json.Unmarshal([]byte(categorized), &rec.CategorizedData)
	_ = json.Unmarshal([]byte(userCategorized), &rec.UserCategorizedData)
	_ = json.Unmarshal([]byte(metrics), &rec.Metrics)
	_ = json.Unmarshal([]byte(warnings), &rec.Warnings)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// SaveSimilarTrials persists the scored retrieval result for one job,
// including the empty-result case.
func (s *Store) SaveSimilarTrials(ctx context.Context, jobID string, req eligibility.Request, docs []eligibility.ScoredDocument) error {
	if jobID == "" {
		return errors.New("ecid is required")
	}
	if docs == nil {
		docs = []eligibility.ScoredDocument{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO similar_trials (ecid, request, documents, created_at)
		VALUES (?, ?, ?, ?)`,
		jobID, marshalJSON(req), marshalJSON(docs), timeToString(time.Now()))
	return err
}

// SimilarTrials returns the persisted scored list for one job.
func (s *Store) SimilarTrials(ctx context.Context, jobID string) ([]eligibility.ScoredDocument, error) {
	var raw string
	err := s.db.QueryRowxContext(ctx, "SELECT documents FROM similar_trials WHERE ecid = ?", jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("similar trials for %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	docs := []eligibility.ScoredDocument{}
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) SaveNotification(ctx context.Context, jobID, userName, message string) error {
	if jobID == "" {
		return errors.New("ecid is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (notification_id, ecid, user_name, message, seen, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		uuid.NewString(), jobID, userName, message, timeToString(time.Now()))
	return err
}

// UpdateWorkflowStatus upserts one workflow step row. An existing row keeps
// its created_at.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, jobID, step, status string) error {
	if jobID == "" || step == "" {
		return errors.New("ecid and step are required")
	}
	now := timeToString(time.Now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO workflow_states (ecid, step, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ecid, step) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		jobID, step, status, now, now)
	return err
}

// WorkflowStatus returns the status and timestamps of one workflow step.
func (s *Store) WorkflowStatus(ctx context.Context, jobID, step string) (status string, createdAt, updatedAt time.Time, err error) {
	var created, updated string
	err = s.db.QueryRowxContext(ctx, "SELECT status, created_at, updated_at FROM workflow_states WHERE ecid = ? AND step = ?", jobID, step).
		Scan(&status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, time.Time{}, fmt.Errorf("workflow %s/%s: %w", jobID, step, ErrNotFound)
	}
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	createdAt, _ = time.Parse(time.RFC3339Nano, created)
	updatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return status, createdAt, updatedAt, nil
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

var (
	_ eligibility.MetadataSource      = (*Store)(nil)
	_ eligibility.DocumentSource      = (*Store)(nil)
	_ eligibility.SectionVectorSource = (*Store)(nil)
	_ eligibility.Recorder            = (*Store)(nil)
)
