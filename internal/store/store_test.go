package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/credit-service/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestUpsertCreditCourse(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO credit_courses").
		WithArgs("course-v1:edX+DemoX+Demo", true).
		WillReturnRows(sqlmock.NewRows([]string{"course_id", "enabled", "created_at", "updated_at"}).
			AddRow("course-v1:edX+DemoX+Demo", true, now, now))

	course, err := st.UpsertCreditCourse(context.Background(), "course-v1:edX+DemoX+Demo", true)
	if err != nil {
		t.Fatalf("upsert course: %v", err)
	}
	if course.CourseID != "course-v1:edX+DemoX+Demo" || !course.Enabled {
		t.Fatalf("unexpected course: %+v", course)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetProviderNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM credit_providers").
		WithArgs("durmstrang").
		WillReturnRows(sqlmock.NewRows([]string{"provider_id"}))

	_, err := st.GetProvider(context.Background(), "durmstrang")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetOrCreateRequestReturnsRow(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO credit_requests").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "uuid", "username", "course_id", "provider_id", "status", "parameters", "created_at", "modified_at",
		}).AddRow(id, "8525a7b1fc854a90b280a488c8730b44", "ron", "course-v1:edX+DemoX+Demo", "hogwarts", "pending", []byte("{}"), now, now))

	req, err := st.GetOrCreateRequest(context.Background(), RequestInput{
		Username:   "ron",
		CourseID:   "course-v1:edX+DemoX+Demo",
		ProviderID: "hogwarts",
		UUID:       "8525a7b1fc854a90b280a488c8730b44",
	})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if req.Status != models.RequestPending {
		t.Fatalf("unexpected status %q", req.Status)
	}
	if req.UUID != "8525a7b1fc854a90b280a488c8730b44" {
		t.Fatalf("unexpected uuid %q", req.UUID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRequestParametersRequiresPending(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE credit_requests").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.UpdateRequestParameters(context.Background(), id, json.RawMessage(`{"a":1}`))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-pending request, got %v", err)
	}
}

func TestApplyRequirementStatusDerivesEligibility(t *testing.T) {
	st, mock := newMockStore(t)
	reqID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.id").
		WithArgs("ron", "course-v1:edX+DemoX+Demo").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO credit_requirement_statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("course-v1:edX+DemoX+Demo", "ron").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO credit_eligibilities").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deadline := time.Now().Add(24 * time.Hour)
	result, err := st.ApplyRequirementStatus(context.Background(), RequirementStatusInput{
		Requirement: models.CreditRequirement{
			ID:       reqID,
			CourseID: "course-v1:edX+DemoX+Demo",
		},
		Username:            "ron",
		Status:              models.StatusSatisfied,
		Reason:              json.RawMessage(`{"final_grade": 0.95}`),
		EligibilityDeadline: &deadline,
	})
	if err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if !result.EligibilityCreated {
		t.Fatalf("expected eligibility to be created")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyRequirementStatusNoDerivationWhenUnsatisfiedRemain(t *testing.T) {
	st, mock := newMockStore(t)
	reqID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO credit_requirement_statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	result, err := st.ApplyRequirementStatus(context.Background(), RequirementStatusInput{
		Requirement: models.CreditRequirement{ID: reqID, CourseID: "course-v1:edX+DemoX+Demo"},
		Username:    "ron",
		Status:      models.StatusSatisfied,
	})
	if err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if result.EligibilityCreated {
		t.Fatalf("eligibility must not be created while requirements remain")
	}
}

func TestGetRequirementStatusReadsTombstonedRows(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	id := uuid.New()
	reqID := uuid.New()

	// No active filter: the row must come back after the requirement is
	// retired.
	mock.ExpectQuery(`SELECT s.id, s.username, s.requirement_id, s.status, s.reason, s.created_at, s.modified_at\s+FROM credit_requirement_statuses s\s+JOIN credit_requirements r ON r.id = s.requirement_id\s+WHERE s.username = \$1 AND r.course_id = \$2 AND r.namespace = \$3 AND r.name = \$4`).
		WithArgs("ron", "course-v1:edX+DemoX+Demo", "grade", "grade").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "requirement_id", "status", "reason", "created_at", "modified_at"}).
			AddRow(id, "ron", reqID, "satisfied", []byte(`{"final_grade": 0.95}`), now, now))

	row, err := st.GetRequirementStatus(context.Background(), "ron", "course-v1:edX+DemoX+Demo", "grade", "grade")
	if err != nil {
		t.Fatalf("get requirement status: %v", err)
	}
	if row.Status != models.StatusSatisfied {
		t.Fatalf("unexpected status %q", row.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRequirementStatusNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT s.id, s.username").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetRequirementStatus(context.Background(), "ron", "course-v1:edX+DemoX+Demo", "grade", "grade")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRequestStatusLocksRow(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM credit_requests").
		WithArgs("8525a7b1fc854a90b280a488c8730b44", "hogwarts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
	mock.ExpectQuery("UPDATE credit_requests").
		WithArgs(id, "approved").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "uuid", "username", "course_id", "provider_id", "status", "parameters", "created_at", "modified_at",
		}).AddRow(id, "8525a7b1fc854a90b280a488c8730b44", "ron", "course-v1:edX+DemoX+Demo", "hogwarts", "approved", []byte("{}"), now, now))
	mock.ExpectCommit()

	req, err := st.UpdateRequestStatus(context.Background(), "8525a7b1fc854a90b280a488c8730b44", "hogwarts", "approved")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if req.Status != models.RequestApproved {
		t.Fatalf("unexpected status %q", req.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRequestStatusNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM credit_requests").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := st.UpdateRequestStatus(context.Background(), "ffffffffffffffffffffffffffffffff", "hogwarts", "approved")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
