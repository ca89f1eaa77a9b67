package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ILLUVRSE/credit-service/internal/archive"
	"github.com/ILLUVRSE/credit-service/internal/identity"
	"github.com/ILLUVRSE/credit-service/internal/models"
	"github.com/ILLUVRSE/credit-service/internal/notify"
	"github.com/ILLUVRSE/credit-service/internal/signature"
	"github.com/ILLUVRSE/credit-service/internal/store"
)

// The grade producer publishes the final grade under this requirement.
const (
	gradeNamespace = "grade"
	gradeName      = "grade"
)

var validRequirementStatuses = map[string]bool{
	models.StatusSatisfied: true,
	models.StatusFailed:    true,
	models.StatusDeclined:  true,
	models.StatusSubmitted: true,
}

// Service is the credit engine: requirement registry, per-user status store,
// eligibility derivation and the signed request/callback protocol.
type Service struct {
	store    store.Store
	keys     *signature.KeyRegistry
	identity identity.Client
	notifier notify.Publisher
	archiver archive.Archiver
	window   time.Duration
	maxSkew  time.Duration
	now      func() time.Time
}

type Config struct {
	Store    store.Store
	Keys     *signature.KeyRegistry
	Identity identity.Client
	Notifier notify.Publisher
	Archiver archive.Archiver

	// EligibilityWindow sets the deadline stamped on newly derived
	// eligibility rows.
	EligibilityWindow time.Duration

	// TimestampExpiration bounds the age of inbound callback timestamps.
	TimestampExpiration time.Duration

	Now func() time.Time
}

func New(cfg Config) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopPublisher{}
	}
	archiver := cfg.Archiver
	if archiver == nil {
		archiver = archive.NopArchiver{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	window := cfg.EligibilityWindow
	if window <= 0 {
		window = 365 * 24 * time.Hour
	}
	maxSkew := cfg.TimestampExpiration
	if maxSkew <= 0 {
		maxSkew = 15 * time.Minute
	}
	return &Service{
		store:    cfg.Store,
		keys:     cfg.Keys,
		identity: cfg.Identity,
		notifier: notifier,
		archiver: archiver,
		window:   window,
		maxSkew:  maxSkew,
		now:      now,
	}
}

// RequestDescriptor is the ready-to-submit payload handed back to the
// learner's browser. The core never transmits it to the provider itself.
type RequestDescriptor struct {
	URL        string                 `json:"url"`
	Method     string                 `json:"method"`
	Parameters map[string]interface{} `json:"parameters"`
}

// RequirementSpec is one entry of a submitted requirement set. Order within
// the slice is the stable sort key.
type RequirementSpec struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Criteria    json.RawMessage `json:"criteria"`
}

func (s *Service) SetCreditCourse(ctx context.Context, courseID string, enabled bool) (models.CreditCourse, error) {
	if _, err := models.ParseCourseKey(courseID); err != nil {
		return models.CreditCourse{}, fmt.Errorf("%w: %v", ErrInvalidCreditCourse, err)
	}
	return s.store.UpsertCreditCourse(ctx, courseID, enabled)
}

func (s *Service) CreditCourse(ctx context.Context, courseID string) (models.CreditCourse, error) {
	course, err := s.store.GetCreditCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.CreditCourse{}, ErrInvalidCreditCourse
		}
		return models.CreditCourse{}, err
	}
	return course, nil
}

func (s *Service) CreditCourses(ctx context.Context) ([]models.CreditCourse, error) {
	return s.store.ListCreditCourses(ctx)
}

// SetRequirements replaces the requirement set for a credit course. Entries
// omitted from the new set are tombstoned, not deleted, so historic status
// rows survive a re-publish.
func (s *Service) SetRequirements(ctx context.Context, courseID string, reqs []RequirementSpec) error {
	course, err := s.store.GetCreditCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCreditCourse
		}
		return err
	}
	if !course.Enabled {
		return ErrInvalidCreditCourse
	}

	var problems []string
	for i, r := range reqs {
		if r.Namespace == "" {
			problems = append(problems, fmt.Sprintf("requirement %d has no namespace", i))
		}
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("requirement %d has no name", i))
		}
		if r.DisplayName == "" {
			problems = append(problems, fmt.Sprintf("requirement %d has no display_name", i))
		}
		if len(r.Criteria) == 0 {
			problems = append(problems, fmt.Sprintf("requirement %d has no criteria", i))
		}
	}
	if len(problems) > 0 {
		return &InvalidRequirementsError{Problems: problems}
	}

	inputs := make([]store.RequirementInput, 0, len(reqs))
	for i, r := range reqs {
		inputs = append(inputs, store.RequirementInput{
			Namespace:   r.Namespace,
			Name:        r.Name,
			DisplayName: r.DisplayName,
			Criteria:    r.Criteria,
			Order:       i,
		})
	}
	return s.store.ReplaceRequirements(ctx, courseID, inputs)
}

func (s *Service) GetRequirements(ctx context.Context, courseID, namespace string) ([]models.CreditRequirement, error) {
	return s.store.ListRequirements(ctx, courseID, namespace)
}

// SetRequirementStatus records a producing subsystem's event for one
// requirement and re-derives eligibility. Most skip conditions are silent:
// the producers fire for every course, credit-enabled or not.
func (s *Service) SetRequirementStatus(ctx context.Context, username, courseID, namespace, name, status string, reason json.RawMessage) error {
	if !validRequirementStatuses[status] {
		return ErrInvalidCreditStatus
	}

	course, err := s.store.GetCreditCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !course.Enabled {
		return nil
	}

	// Once the user is eligible or has asked a provider for credit,
	// later producer events must not rewrite history.
	if _, err := s.store.GetEligibility(ctx, username, courseID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	exists, err := s.store.RequestExists(ctx, username, courseID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	req, err := s.store.GetRequirement(ctx, courseID, namespace, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Known race with content publish.
			log.Printf("[credit] requirement %s/%s not found for course %s, dropping status event", namespace, name, courseID)
			return nil
		}
		return err
	}

	deadline := s.now().Add(s.window)
	result, err := s.store.ApplyRequirementStatus(ctx, store.RequirementStatusInput{
		Requirement:         req,
		Username:            username,
		Status:              status,
		Reason:              reason,
		EligibilityDeadline: &deadline,
	})
	if err != nil {
		return err
	}

	if result.EligibilityCreated {
		event := notify.EligibilityEvent{
			Username:  username,
			CourseID:  courseID,
			Deadline:  &deadline,
			Timestamp: s.now().UTC(),
		}
		if err := s.notifier.PublishEligibility(ctx, event); err != nil {
			log.Printf("[credit] publish eligibility event for %s in %s: %v", username, courseID, err)
		}
	}
	return nil
}

func (s *Service) RemoveRequirementStatus(ctx context.Context, username, courseID, namespace, name string) error {
	req, err := s.store.GetRequirement(ctx, courseID, namespace, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.store.RemoveRequirementStatus(ctx, username, req.ID)
}

func (s *Service) GetRequirementStatuses(ctx context.Context, f store.StatusFilter) ([]models.RequirementStatusView, error) {
	return s.store.ListRequirementStatuses(ctx, f)
}

func (s *Service) IsEligible(ctx context.Context, username, courseID string) (bool, error) {
	_, err := s.store.GetEligibility(ctx, username, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) Eligibilities(ctx context.Context, username string) ([]models.CreditEligibility, error) {
	return s.store.ListEligibilities(ctx, username)
}

func (s *Service) Providers(ctx context.Context, filterIDs []string) ([]models.CreditProvider, error) {
	return s.store.ListProviders(ctx, filterIDs)
}

func (s *Service) Provider(ctx context.Context, providerID string) (models.CreditProvider, error) {
	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.CreditProvider{}, ErrProviderNotFound
		}
		return models.CreditProvider{}, err
	}
	return provider, nil
}

func (s *Service) SetProvider(ctx context.Context, p models.CreditProvider) (models.CreditProvider, error) {
	return s.store.UpsertProvider(ctx, p)
}

// CreateRequest builds the signed outbound payload for a provider. Repeated
// calls while the request is pending reuse its UUID and refresh timestamp,
// grade and signature.
func (s *Service) CreateRequest(ctx context.Context, courseID, providerID, username string) (RequestDescriptor, error) {
	provider, err := s.Provider(ctx, providerID)
	if err != nil {
		return RequestDescriptor{}, err
	}

	if _, err := s.store.GetEligibility(ctx, username, courseID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RequestDescriptor{}, ErrUserIsNotEligible
		}
		return RequestDescriptor{}, err
	}

	// Providers without auto-integration take the learner to their site
	// directly; nothing is persisted and the outcome is untracked.
	if !provider.EnableIntegration {
		return RequestDescriptor{
			URL:        provider.ProviderURL,
			Method:     http.MethodGet,
			Parameters: map[string]interface{}{},
		}, nil
	}

	key, err := s.keys.SigningKey(providerID)
	if err != nil {
		return RequestDescriptor{}, ErrProviderNotConfigured
	}

	req, err := s.store.GetOrCreateRequest(ctx, store.RequestInput{
		Username:   username,
		CourseID:   courseID,
		ProviderID: providerID,
		UUID:       models.NewRequestUUID(),
	})
	if err != nil {
		return RequestDescriptor{}, err
	}
	if req.Status != models.RequestPending {
		return RequestDescriptor{}, ErrRequestAlreadyCompleted
	}

	grade, err := s.finalGrade(ctx, username, courseID)
	if err != nil {
		return RequestDescriptor{}, err
	}

	courseKey, err := models.ParseCourseKey(courseID)
	if err != nil {
		return RequestDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidCreditCourse, err)
	}

	profile, err := s.identity.Profile(ctx, username)
	if err != nil {
		return RequestDescriptor{}, fmt.Errorf("resolve user profile: %w", err)
	}
	activity, err := s.identity.CourseActivity(ctx, username, courseID)
	if err != nil {
		activity = identity.CourseActivity{}
	}

	params := map[string]interface{}{
		"request_uuid":                req.UUID,
		"timestamp":                   s.now().Unix(),
		"course_org":                  courseKey.Org,
		"course_num":                  courseKey.Course,
		"course_run":                  courseKey.Run,
		"enrollment_timestamp":        activity.EnrollmentTimestamp,
		"course_completion_timestamp": activity.CompletionTimestamp,
		"final_grade":                 signature.FormatGrade(grade),
		"user_username":               profile.Username,
		"user_email":                  profile.Email,
		"user_full_name":              profile.FullName,
		"user_mailing_address":        "",
		"user_country":                profile.Country,
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return RequestDescriptor{}, fmt.Errorf("marshal request parameters: %w", err)
	}
	if _, err := s.store.UpdateRequestParameters(ctx, req.ID, raw); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RequestDescriptor{}, ErrRequestAlreadyCompleted
		}
		return RequestDescriptor{}, err
	}

	params["signature"] = signature.Sign(params, key)
	return RequestDescriptor{
		URL:        provider.ProviderURL,
		Method:     http.MethodPost,
		Parameters: params,
	}, nil
}

// finalGrade pulls the grade out of the satisfied grade-requirement status
// row. The row is read directly rather than through the requirement listing
// so a later tombstone of the grade requirement does not strand an eligible
// user. Its absence means the grade pipeline never marked the user, so the
// request cannot be built.
func (s *Service) finalGrade(ctx context.Context, username, courseID string) (float64, error) {
	row, err := s.store.GetRequirementStatus(ctx, username, courseID, gradeNamespace, gradeName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrUserIsNotEligible
		}
		return 0, err
	}
	if row.Status != models.StatusSatisfied {
		return 0, ErrUserIsNotEligible
	}
	var reason struct {
		FinalGrade *float64 `json:"final_grade"`
	}
	if err := json.Unmarshal(row.Reason, &reason); err != nil || reason.FinalGrade == nil {
		log.Printf("[credit] malformed grade reason for %s in %s", username, courseID)
		return 0, ErrUserIsNotEligible
	}
	return *reason.FinalGrade, nil
}

// UpdateRequestStatus applies a provider's verdict. Terminal states are
// idempotent; a snapshot of the finished request is archived best-effort.
func (s *Service) UpdateRequestStatus(ctx context.Context, requestUUID, providerID, status string) error {
	if status != models.RequestApproved && status != models.RequestRejected {
		return ErrInvalidCreditStatus
	}
	req, err := s.store.UpdateRequestStatus(ctx, requestUUID, providerID, status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCreditRequestNotFound
		}
		return err
	}
	if err := s.archiver.ArchiveRequest(ctx, req); err != nil {
		log.Printf("[credit] archive request %s: %v", req.UUID, err)
	}
	return nil
}

// ProcessCallback runs the inbound verification pipeline over a decoded
// callback body and stops at the first failure. The caller decodes the JSON
// with UseNumber so numeric timestamps keep their textual form for
// signature recomputation.
func (s *Service) ProcessCallback(ctx context.Context, providerID string, payload map[string]interface{}) error {
	var missing []string
	for _, k := range []string{"request_uuid", "status", "timestamp", "signature"} {
		if _, ok := payload[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MalformedCallbackError{Msg: fmt.Sprintf("missing parameters: %v", missing)}
	}

	keys := s.keys.Keys(providerID)
	if len(keys) == 0 {
		return ErrProviderNotConfigured
	}

	sig, ok := payload["signature"].(string)
	if !ok || !signature.Verify(payload, sig, keys) {
		return ErrInvalidSignature
	}

	ts, err := callbackTimestamp(payload["timestamp"])
	if err != nil {
		return &MalformedCallbackError{Msg: "invalid timestamp"}
	}
	// Negative skew is tolerated (clock drift).
	if s.now().Unix()-ts > int64(s.maxSkew/time.Second) {
		return ErrStaleTimestamp
	}

	requestUUID, ok := payload["request_uuid"].(string)
	if !ok {
		return &MalformedCallbackError{Msg: "invalid request_uuid"}
	}
	status, ok := payload["status"].(string)
	if !ok {
		return &MalformedCallbackError{Msg: "invalid status"}
	}
	return s.UpdateRequestStatus(ctx, requestUUID, providerID, status)
}

func callbackTimestamp(v interface{}) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return strconv.ParseInt(t.String(), 10, 64)
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("timestamp must be an integer or decimal string")
	}
}

func (s *Service) RequestsForUser(ctx context.Context, username string) ([]models.RequestSummary, error) {
	return s.store.ListRequestsForUser(ctx, username)
}

func (s *Service) LatestRequestStatus(ctx context.Context, username, courseID string) (models.RequestSummary, error) {
	sum, err := s.store.GetLatestRequest(ctx, username, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RequestSummary{}, ErrCreditRequestNotFound
		}
		return models.RequestSummary{}, err
	}
	return sum, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
