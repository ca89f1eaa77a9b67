package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/credit-service/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	UpsertCreditCourse(ctx context.Context, courseID string, enabled bool) (models.CreditCourse, error)
	GetCreditCourse(ctx context.Context, courseID string) (models.CreditCourse, error)
	ListCreditCourses(ctx context.Context) ([]models.CreditCourse, error)

	UpsertProvider(ctx context.Context, p models.CreditProvider) (models.CreditProvider, error)
	GetProvider(ctx context.Context, providerID string) (models.CreditProvider, error)
	ListProviders(ctx context.Context, filterIDs []string) ([]models.CreditProvider, error)

	ReplaceRequirements(ctx context.Context, courseID string, reqs []RequirementInput) error
	ListRequirements(ctx context.Context, courseID, namespace string) ([]models.CreditRequirement, error)
	GetRequirement(ctx context.Context, courseID, namespace, name string) (models.CreditRequirement, error)

	ApplyRequirementStatus(ctx context.Context, in RequirementStatusInput) (StatusResult, error)
	RemoveRequirementStatus(ctx context.Context, username string, requirementID uuid.UUID) error
	ListRequirementStatuses(ctx context.Context, f StatusFilter) ([]models.RequirementStatusView, error)
	GetRequirementStatus(ctx context.Context, username, courseID, namespace, name string) (models.CreditRequirementStatus, error)

	GetEligibility(ctx context.Context, username, courseID string) (models.CreditEligibility, error)
	ListEligibilities(ctx context.Context, username string) ([]models.CreditEligibility, error)

	GetOrCreateRequest(ctx context.Context, in RequestInput) (models.CreditRequest, error)
	UpdateRequestParameters(ctx context.Context, id uuid.UUID, params json.RawMessage) (models.CreditRequest, error)
	UpdateRequestStatus(ctx context.Context, requestUUID, providerID, status string) (models.CreditRequest, error)
	ListRequestsForUser(ctx context.Context, username string) ([]models.RequestSummary, error)
	GetLatestRequest(ctx context.Context, username, courseID string) (models.RequestSummary, error)
	RequestExists(ctx context.Context, username, courseID string) (bool, error)

	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type RequirementInput struct {
	Namespace   string
	Name        string
	DisplayName string
	Criteria    json.RawMessage
	Order       int
}

// RequirementStatusInput carries one status transition plus the eligibility
// deadline to stamp if the transition completes the course's requirements.
type RequirementStatusInput struct {
	Requirement         models.CreditRequirement
	Username            string
	Status              string
	Reason              json.RawMessage
	EligibilityDeadline *time.Time
}

type StatusResult struct {
	EligibilityCreated bool
}

type StatusFilter struct {
	CourseID  string
	Username  string
	Namespace string
	Name      string
}

type RequestInput struct {
	Username   string
	CourseID   string
	ProviderID string
	UUID       string
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func scanCreditCourse(row rowScanner) (models.CreditCourse, error) {
	var c models.CreditCourse
	if err := row.Scan(&c.CourseID, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.CreditCourse{}, err
	}
	return c, nil
}

func scanProvider(row rowScanner) (models.CreditProvider, error) {
	var p models.CreditProvider
	if err := row.Scan(
		&p.ProviderID,
		&p.DisplayName,
		&p.ProviderURL,
		&p.StatusURL,
		&p.Description,
		&p.ThumbnailURL,
		&p.FulfillmentInstructions,
		&p.EnableIntegration,
		&p.Active,
	); err != nil {
		return models.CreditProvider{}, err
	}
	return p, nil
}

func scanRequirement(row rowScanner) (models.CreditRequirement, error) {
	var (
		r        models.CreditRequirement
		criteria []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.CourseID,
		&r.Namespace,
		&r.Name,
		&r.DisplayName,
		&criteria,
		&r.Order,
		&r.Active,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return models.CreditRequirement{}, err
	}
	r.Criteria = append(json.RawMessage(nil), criteria...)
	return r, nil
}

func scanRequest(row rowScanner) (models.CreditRequest, error) {
	var (
		q      models.CreditRequest
		params []byte
	)
	if err := row.Scan(
		&q.ID,
		&q.UUID,
		&q.Username,
		&q.CourseID,
		&q.ProviderID,
		&q.Status,
		&params,
		&q.CreatedAt,
		&q.ModifiedAt,
	); err != nil {
		return models.CreditRequest{}, err
	}
	q.Parameters = append(json.RawMessage(nil), params...)
	return q, nil
}

const creditCourseColumns = "course_id, enabled, created_at, updated_at"

func (s *PGStore) UpsertCreditCourse(ctx context.Context, courseID string, enabled bool) (models.CreditCourse, error) {
	query := `
		INSERT INTO credit_courses (course_id, enabled)
		VALUES ($1, $2)
		ON CONFLICT (course_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
		RETURNING ` + creditCourseColumns
	course, err := scanCreditCourse(s.db.QueryRowContext(ctx, query, courseID, enabled))
	if err != nil {
		return models.CreditCourse{}, fmt.Errorf("upsert credit course: %w", err)
	}
	return course, nil
}

func (s *PGStore) GetCreditCourse(ctx context.Context, courseID string) (models.CreditCourse, error) {
	query := `SELECT ` + creditCourseColumns + ` FROM credit_courses WHERE course_id = $1`
	course, err := scanCreditCourse(s.db.QueryRowContext(ctx, query, courseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditCourse{}, ErrNotFound
		}
		return models.CreditCourse{}, fmt.Errorf("get credit course: %w", err)
	}
	return course, nil
}

func (s *PGStore) ListCreditCourses(ctx context.Context) ([]models.CreditCourse, error) {
	query := `SELECT ` + creditCourseColumns + ` FROM credit_courses ORDER BY course_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credit courses: %w", err)
	}
	defer rows.Close()

	var courses []models.CreditCourse
	for rows.Next() {
		course, err := scanCreditCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit course: %w", err)
		}
		courses = append(courses, course)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credit courses: %w", err)
	}
	return courses, nil
}

const providerColumns = `provider_id, display_name, provider_url, status_url, description,
	thumbnail_url, fulfillment_instructions, enable_integration, active`

func (s *PGStore) UpsertProvider(ctx context.Context, p models.CreditProvider) (models.CreditProvider, error) {
	query := `
		INSERT INTO credit_providers (provider_id, display_name, provider_url, status_url, description,
			thumbnail_url, fulfillment_instructions, enable_integration, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (provider_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			provider_url = EXCLUDED.provider_url,
			status_url = EXCLUDED.status_url,
			description = EXCLUDED.description,
			thumbnail_url = EXCLUDED.thumbnail_url,
			fulfillment_instructions = EXCLUDED.fulfillment_instructions,
			enable_integration = EXCLUDED.enable_integration,
			active = EXCLUDED.active
		RETURNING ` + providerColumns
	row := s.db.QueryRowContext(ctx, query,
		p.ProviderID, p.DisplayName, p.ProviderURL, p.StatusURL, p.Description,
		p.ThumbnailURL, p.FulfillmentInstructions, p.EnableIntegration, p.Active)
	provider, err := scanProvider(row)
	if err != nil {
		return models.CreditProvider{}, fmt.Errorf("upsert provider: %w", err)
	}
	return provider, nil
}

func (s *PGStore) GetProvider(ctx context.Context, providerID string) (models.CreditProvider, error) {
	query := `SELECT ` + providerColumns + ` FROM credit_providers WHERE provider_id = $1`
	provider, err := scanProvider(s.db.QueryRowContext(ctx, query, providerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditProvider{}, ErrNotFound
		}
		return models.CreditProvider{}, fmt.Errorf("get provider: %w", err)
	}
	return provider, nil
}

func (s *PGStore) ListProviders(ctx context.Context, filterIDs []string) ([]models.CreditProvider, error) {
	query := `SELECT ` + providerColumns + ` FROM credit_providers WHERE active = TRUE`
	args := []interface{}{}
	if len(filterIDs) > 0 {
		query += " AND provider_id = ANY($1)"
		args = append(args, pq.Array(filterIDs))
	}
	query += " ORDER BY display_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var providers []models.CreditProvider
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, provider)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return providers, nil
}

const requirementColumns = "id, course_id, namespace, name, display_name, criteria, sort_value, active, created_at, updated_at"

// ReplaceRequirements atomically tombstones requirements dropped from the new
// set and upserts the rest in input order. Tombstoned rows keep their status
// rows and revive on a later re-publish.
func (s *PGStore) ReplaceRequirements(ctx context.Context, courseID string, reqs []RequirementInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectCurrent = `
		SELECT id, namespace, name FROM credit_requirements
		WHERE course_id = $1
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, selectCurrent, courseID)
	if err != nil {
		return fmt.Errorf("select current requirements: %w", err)
	}
	type reqKey struct{ namespace, name string }
	current := map[reqKey]uuid.UUID{}
	for rows.Next() {
		var (
			id uuid.UUID
			k  reqKey
		)
		if err := rows.Scan(&id, &k.namespace, &k.name); err != nil {
			rows.Close()
			return fmt.Errorf("scan requirement key: %w", err)
		}
		current[k] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate requirement keys: %w", err)
	}

	keep := map[reqKey]bool{}
	for _, r := range reqs {
		keep[reqKey{r.Namespace, r.Name}] = true
	}
	for k, id := range current {
		if keep[k] {
			continue
		}
		const disable = `UPDATE credit_requirements SET active = FALSE, updated_at = NOW() WHERE id = $1`
		if _, err := tx.ExecContext(ctx, disable, id); err != nil {
			return fmt.Errorf("disable requirement: %w", err)
		}
	}

	const upsert = `
		INSERT INTO credit_requirements (id, course_id, namespace, name, display_name, criteria, sort_value, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE)
		ON CONFLICT (course_id, namespace, name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			criteria = EXCLUDED.criteria,
			sort_value = EXCLUDED.sort_value,
			active = TRUE,
			updated_at = NOW()
	`
	for _, r := range reqs {
		if _, err := tx.ExecContext(ctx, upsert, uuid.New(), courseID, r.Namespace, r.Name, r.DisplayName, ensureJSON(r.Criteria, "{}"), r.Order); err != nil {
			return fmt.Errorf("upsert requirement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit requirements: %w", err)
	}
	return nil
}

func (s *PGStore) ListRequirements(ctx context.Context, courseID, namespace string) ([]models.CreditRequirement, error) {
	query := `
		SELECT ` + requirementColumns + `
		FROM credit_requirements
		WHERE course_id = $1 AND active = TRUE
	`
	args := []interface{}{courseID}
	if namespace != "" {
		query += " AND namespace = $2"
		args = append(args, namespace)
	}
	query += " ORDER BY sort_value"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()

	var reqs []models.CreditRequirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirements: %w", err)
	}
	return reqs, nil
}

func (s *PGStore) GetRequirement(ctx context.Context, courseID, namespace, name string) (models.CreditRequirement, error) {
	query := `
		SELECT ` + requirementColumns + `
		FROM credit_requirements
		WHERE course_id = $1 AND namespace = $2 AND name = $3 AND active = TRUE
	`
	req, err := scanRequirement(s.db.QueryRowContext(ctx, query, courseID, namespace, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditRequirement{}, ErrNotFound
		}
		return models.CreditRequirement{}, fmt.Errorf("get requirement: %w", err)
	}
	return req, nil
}

// ApplyRequirementStatus upserts the status row and, when the transition is
// to "satisfied", derives eligibility inside the same transaction so the
// all-satisfied check observes a consistent snapshot. A row that already
// reads "satisfied" is never regressed.
func (s *PGStore) ApplyRequirementStatus(ctx context.Context, in RequirementStatusInput) (StatusResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const lockStatuses = `
		SELECT s.id
		FROM credit_requirement_statuses s
		JOIN credit_requirements r ON r.id = s.requirement_id
		WHERE s.username = $1 AND r.course_id = $2
		FOR UPDATE OF s
	`
	lockRows, err := tx.QueryContext(ctx, lockStatuses, in.Username, in.Requirement.CourseID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("lock status rows: %w", err)
	}
	for lockRows.Next() {
		var id uuid.UUID
		if err := lockRows.Scan(&id); err != nil {
			lockRows.Close()
			return StatusResult{}, fmt.Errorf("scan locked status: %w", err)
		}
	}
	lockRows.Close()
	if err := lockRows.Err(); err != nil {
		return StatusResult{}, fmt.Errorf("iterate locked statuses: %w", err)
	}

	const upsert = `
		INSERT INTO credit_requirement_statuses (id, username, requirement_id, status, reason)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (username, requirement_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			modified_at = NOW()
		WHERE credit_requirement_statuses.status <> 'satisfied'
	`
	if _, err := tx.ExecContext(ctx, upsert, uuid.New(), in.Username, in.Requirement.ID, in.Status, ensureJSON(in.Reason, "{}")); err != nil {
		return StatusResult{}, fmt.Errorf("upsert requirement status: %w", err)
	}

	result := StatusResult{}
	if in.Status == models.StatusSatisfied {
		const unsatisfied = `
			SELECT COUNT(*)
			FROM credit_requirements r
			WHERE r.course_id = $1 AND r.active = TRUE
			  AND NOT EXISTS (
				SELECT 1 FROM credit_requirement_statuses s
				WHERE s.requirement_id = r.id AND s.username = $2 AND s.status = 'satisfied'
			  )
		`
		var remaining int
		if err := tx.QueryRowContext(ctx, unsatisfied, in.Requirement.CourseID, in.Username).Scan(&remaining); err != nil {
			return StatusResult{}, fmt.Errorf("count unsatisfied requirements: %w", err)
		}
		if remaining == 0 {
			const insertEligibility = `
				INSERT INTO credit_eligibilities (username, course_id, deadline)
				VALUES ($1,$2,$3)
				ON CONFLICT (username, course_id) DO NOTHING
			`
			res, err := tx.ExecContext(ctx, insertEligibility, in.Username, in.Requirement.CourseID, in.EligibilityDeadline)
			if err != nil {
				return StatusResult{}, fmt.Errorf("insert eligibility: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				result.EligibilityCreated = true
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return StatusResult{}, fmt.Errorf("commit status: %w", err)
	}
	return result, nil
}

func (s *PGStore) RemoveRequirementStatus(ctx context.Context, username string, requirementID uuid.UUID) error {
	const query = `DELETE FROM credit_requirement_statuses WHERE username = $1 AND requirement_id = $2`
	if _, err := s.db.ExecContext(ctx, query, username, requirementID); err != nil {
		return fmt.Errorf("remove requirement status: %w", err)
	}
	return nil
}

func (s *PGStore) ListRequirementStatuses(ctx context.Context, f StatusFilter) ([]models.RequirementStatusView, error) {
	query := `
		SELECT r.namespace, r.name, r.display_name, r.criteria, r.sort_value, s.status, s.reason, s.modified_at
		FROM credit_requirements r
		LEFT JOIN credit_requirement_statuses s ON s.requirement_id = r.id AND s.username = $2
		WHERE r.course_id = $1 AND r.active = TRUE
	`
	args := []interface{}{f.CourseID, f.Username}
	argPos := 3
	if f.Namespace != "" {
		query += fmt.Sprintf(" AND r.namespace = $%d", argPos)
		args = append(args, f.Namespace)
		argPos++
	}
	if f.Name != "" {
		query += fmt.Sprintf(" AND r.name = $%d", argPos)
		args = append(args, f.Name)
	}
	query += " ORDER BY r.sort_value"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requirement statuses: %w", err)
	}
	defer rows.Close()

	var views []models.RequirementStatusView
	for rows.Next() {
		var (
			v        models.RequirementStatusView
			criteria []byte
			status   sql.NullString
			reason   []byte
			modified sql.NullTime
		)
		if err := rows.Scan(&v.Namespace, &v.Name, &v.DisplayName, &criteria, &v.Order, &status, &reason, &modified); err != nil {
			return nil, fmt.Errorf("scan requirement status: %w", err)
		}
		v.Criteria = append(json.RawMessage(nil), criteria...)
		if status.Valid {
			st := status.String
			v.Status = &st
			v.Reason = append(json.RawMessage(nil), reason...)
		}
		if modified.Valid {
			t := modified.Time
			v.StatusDate = &t
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirement statuses: %w", err)
	}
	return views, nil
}

// GetRequirementStatus returns the user's status row for the named
// requirement. Tombstoned requirements are included; the row outlives the
// requirement's active flag.
func (s *PGStore) GetRequirementStatus(ctx context.Context, username, courseID, namespace, name string) (models.CreditRequirementStatus, error) {
	const query = `
		SELECT s.id, s.username, s.requirement_id, s.status, s.reason, s.created_at, s.modified_at
		FROM credit_requirement_statuses s
		JOIN credit_requirements r ON r.id = s.requirement_id
		WHERE s.username = $1 AND r.course_id = $2 AND r.namespace = $3 AND r.name = $4
	`
	var (
		st     models.CreditRequirementStatus
		reason []byte
	)
	row := s.db.QueryRowContext(ctx, query, username, courseID, namespace, name)
	if err := row.Scan(&st.ID, &st.Username, &st.RequirementID, &st.Status, &reason, &st.CreatedAt, &st.ModifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditRequirementStatus{}, ErrNotFound
		}
		return models.CreditRequirementStatus{}, fmt.Errorf("get requirement status: %w", err)
	}
	st.Reason = append(json.RawMessage(nil), reason...)
	return st, nil
}

func scanEligibility(row rowScanner) (models.CreditEligibility, error) {
	var (
		e        models.CreditEligibility
		deadline sql.NullTime
	)
	if err := row.Scan(&e.Username, &e.CourseID, &deadline, &e.CreatedAt); err != nil {
		return models.CreditEligibility{}, err
	}
	if deadline.Valid {
		t := deadline.Time
		e.Deadline = &t
	}
	return e, nil
}

// GetEligibility returns the eligibility row only while it is actionable:
// the course must still be credit-enabled and the deadline unexpired.
func (s *PGStore) GetEligibility(ctx context.Context, username, courseID string) (models.CreditEligibility, error) {
	const query = `
		SELECT e.username, e.course_id, e.deadline, e.created_at
		FROM credit_eligibilities e
		JOIN credit_courses c ON c.course_id = e.course_id
		WHERE e.username = $1 AND e.course_id = $2
		  AND c.enabled = TRUE
		  AND (e.deadline IS NULL OR e.deadline > NOW())
	`
	eligibility, err := scanEligibility(s.db.QueryRowContext(ctx, query, username, courseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditEligibility{}, ErrNotFound
		}
		return models.CreditEligibility{}, fmt.Errorf("get eligibility: %w", err)
	}
	return eligibility, nil
}

func (s *PGStore) ListEligibilities(ctx context.Context, username string) ([]models.CreditEligibility, error) {
	const query = `
		SELECT e.username, e.course_id, e.deadline, e.created_at
		FROM credit_eligibilities e
		JOIN credit_courses c ON c.course_id = e.course_id
		WHERE e.username = $1
		  AND c.enabled = TRUE
		  AND (e.deadline IS NULL OR e.deadline > NOW())
		ORDER BY e.created_at
	`
	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("list eligibilities: %w", err)
	}
	defer rows.Close()

	var eligibilities []models.CreditEligibility
	for rows.Next() {
		eligibility, err := scanEligibility(rows)
		if err != nil {
			return nil, fmt.Errorf("scan eligibility: %w", err)
		}
		eligibilities = append(eligibilities, eligibility)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligibilities: %w", err)
	}
	return eligibilities, nil
}

const requestColumns = "id, uuid, username, course_id, provider_id, status, parameters, created_at, modified_at"

// GetOrCreateRequest returns the request row for (user, course, provider),
// creating it in the pending state when absent. The conflict-update no-op
// keeps the statement atomic, so racing creators serialize on the row and
// observe the same UUID.
func (s *PGStore) GetOrCreateRequest(ctx context.Context, in RequestInput) (models.CreditRequest, error) {
	query := `
		INSERT INTO credit_requests (id, uuid, username, course_id, provider_id, status, parameters)
		VALUES ($1,$2,$3,$4,$5,'pending','{}')
		ON CONFLICT (username, course_id, provider_id) DO UPDATE SET username = EXCLUDED.username
		RETURNING ` + requestColumns
	row := s.db.QueryRowContext(ctx, query, uuid.New(), in.UUID, in.Username, in.CourseID, in.ProviderID)
	request, err := scanRequest(row)
	if err != nil {
		return models.CreditRequest{}, fmt.Errorf("get or create request: %w", err)
	}
	return request, nil
}

func (s *PGStore) UpdateRequestParameters(ctx context.Context, id uuid.UUID, params json.RawMessage) (models.CreditRequest, error) {
	query := `
		UPDATE credit_requests
		SET parameters = $2, modified_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + requestColumns
	request, err := scanRequest(s.db.QueryRowContext(ctx, query, id, ensureJSON(params, "{}")))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditRequest{}, ErrNotFound
		}
		return models.CreditRequest{}, fmt.Errorf("update request parameters: %w", err)
	}
	return request, nil
}

// UpdateRequestStatus performs the in-place status write under a row lock on
// the request identified by (uuid, provider).
func (s *PGStore) UpdateRequestStatus(ctx context.Context, requestUUID, providerID, status string) (models.CreditRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.CreditRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectForUpdate = `
		SELECT id FROM credit_requests
		WHERE uuid = $1 AND provider_id = $2
		FOR UPDATE
	`
	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, selectForUpdate, requestUUID, providerID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditRequest{}, ErrNotFound
		}
		return models.CreditRequest{}, fmt.Errorf("select request: %w", err)
	}

	updateQuery := `
		UPDATE credit_requests
		SET status = $2, modified_at = NOW()
		WHERE id = $1
		RETURNING ` + requestColumns
	request, err := scanRequest(tx.QueryRowContext(ctx, updateQuery, id, status))
	if err != nil {
		return models.CreditRequest{}, fmt.Errorf("update request status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.CreditRequest{}, fmt.Errorf("commit request status: %w", err)
	}
	return request, nil
}

func scanRequestSummary(row rowScanner) (models.RequestSummary, error) {
	var sum models.RequestSummary
	if err := row.Scan(&sum.UUID, &sum.CourseID, &sum.Provider.ID, &sum.Provider.DisplayName, &sum.Status, &sum.ModifiedAt); err != nil {
		return models.RequestSummary{}, err
	}
	return sum, nil
}

func (s *PGStore) ListRequestsForUser(ctx context.Context, username string) ([]models.RequestSummary, error) {
	const query = `
		SELECT q.uuid, q.course_id, q.provider_id, p.display_name, q.status, q.modified_at
		FROM credit_requests q
		JOIN credit_providers p ON p.provider_id = q.provider_id
		WHERE q.username = $1
		ORDER BY q.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var summaries []models.RequestSummary
	for rows.Next() {
		sum, err := scanRequestSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return summaries, nil
}

func (s *PGStore) GetLatestRequest(ctx context.Context, username, courseID string) (models.RequestSummary, error) {
	const query = `
		SELECT q.uuid, q.course_id, q.provider_id, p.display_name, q.status, q.modified_at
		FROM credit_requests q
		JOIN credit_providers p ON p.provider_id = q.provider_id
		WHERE q.username = $1 AND q.course_id = $2
		ORDER BY q.modified_at DESC
		LIMIT 1
	`
	sum, err := scanRequestSummary(s.db.QueryRowContext(ctx, query, username, courseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RequestSummary{}, ErrNotFound
		}
		return models.RequestSummary{}, fmt.Errorf("get latest request: %w", err)
	}
	return sum, nil
}

func (s *PGStore) RequestExists(ctx context.Context, username, courseID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM credit_requests WHERE username = $1 AND course_id = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, username, courseID).Scan(&exists); err != nil {
		return false, fmt.Errorf("request exists: %w", err)
	}
	return exists, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
