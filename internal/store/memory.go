package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/credit-service/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu            sync.Mutex
	courses       map[string]models.CreditCourse
	providers     map[string]models.CreditProvider
	requirements  map[uuid.UUID]*models.CreditRequirement
	statuses      map[string]*models.CreditRequirementStatus // username + "\x00" + requirement id
	eligibilities map[string]*models.CreditEligibility       // username + "\x00" + course id
	requests      map[uuid.UUID]*models.CreditRequest
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:       map[string]models.CreditCourse{},
		providers:     map[string]models.CreditProvider{},
		requirements:  map[uuid.UUID]*models.CreditRequirement{},
		statuses:      map[string]*models.CreditRequirementStatus{},
		eligibilities: map[string]*models.CreditEligibility{},
		requests:      map[uuid.UUID]*models.CreditRequest{},
		now:           time.Now,
	}
}

// SetClock overrides the store clock, for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func statusKey(username string, requirementID uuid.UUID) string {
	return username + "\x00" + requirementID.String()
}

func eligibilityKey(username, courseID string) string {
	return username + "\x00" + courseID
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) UpsertCreditCourse(ctx context.Context, courseID string, enabled bool) (models.CreditCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	course, ok := m.courses[courseID]
	if !ok {
		course = models.CreditCourse{CourseID: courseID, CreatedAt: now}
	}
	course.Enabled = enabled
	course.UpdatedAt = now
	m.courses[courseID] = course
	return course, nil
}

func (m *MemoryStore) GetCreditCourse(ctx context.Context, courseID string) (models.CreditCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	course, ok := m.courses[courseID]
	if !ok {
		return models.CreditCourse{}, ErrNotFound
	}
	return course, nil
}

func (m *MemoryStore) ListCreditCourses(ctx context.Context) ([]models.CreditCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	courses := make([]models.CreditCourse, 0, len(m.courses))
	for _, course := range m.courses {
		courses = append(courses, course)
	}
	sort.Slice(courses, func(i, j int) bool { return courses[i].CourseID < courses[j].CourseID })
	return courses, nil
}

func (m *MemoryStore) UpsertProvider(ctx context.Context, p models.CreditProvider) (models.CreditProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[p.ProviderID] = p
	return p, nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, providerID string) (models.CreditProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	provider, ok := m.providers[providerID]
	if !ok {
		return models.CreditProvider{}, ErrNotFound
	}
	return provider, nil
}

func (m *MemoryStore) ListProviders(ctx context.Context, filterIDs []string) ([]models.CreditProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := map[string]bool{}
	for _, id := range filterIDs {
		wanted[id] = true
	}

	var providers []models.CreditProvider
	for _, provider := range m.providers {
		if !provider.Active {
			continue
		}
		if len(wanted) > 0 && !wanted[provider.ProviderID] {
			continue
		}
		providers = append(providers, provider)
	}
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].DisplayName < providers[j].DisplayName
	})
	return providers, nil
}

func (m *MemoryStore) ReplaceRequirements(ctx context.Context, courseID string, reqs []RequirementInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keep := map[string]bool{}
	for _, r := range reqs {
		keep[r.Namespace+"\x00"+r.Name] = true
	}
	for _, req := range m.requirements {
		if req.CourseID != courseID {
			continue
		}
		if !keep[req.Namespace+"\x00"+req.Name] && req.Active {
			req.Active = false
			req.UpdatedAt = now
		}
	}

	for _, r := range reqs {
		var existing *models.CreditRequirement
		for _, req := range m.requirements {
			if req.CourseID == courseID && req.Namespace == r.Namespace && req.Name == r.Name {
				existing = req
				break
			}
		}
		if existing == nil {
			existing = &models.CreditRequirement{
				ID:        uuid.New(),
				CourseID:  courseID,
				Namespace: r.Namespace,
				Name:      r.Name,
				CreatedAt: now,
			}
			m.requirements[existing.ID] = existing
		}
		existing.DisplayName = r.DisplayName
		existing.Criteria = cloneJSON(r.Criteria)
		existing.Order = r.Order
		existing.Active = true
		existing.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) activeRequirements(courseID, namespace string) []*models.CreditRequirement {
	var reqs []*models.CreditRequirement
	for _, req := range m.requirements {
		if req.CourseID != courseID || !req.Active {
			continue
		}
		if namespace != "" && req.Namespace != namespace {
			continue
		}
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Order < reqs[j].Order })
	return reqs
}

func (m *MemoryStore) ListRequirements(ctx context.Context, courseID, namespace string) ([]models.CreditRequirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CreditRequirement
	for _, req := range m.activeRequirements(courseID, namespace) {
		out = append(out, *req)
	}
	return out, nil
}

func (m *MemoryStore) GetRequirement(ctx context.Context, courseID, namespace, name string) (models.CreditRequirement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requirements {
		if req.CourseID == courseID && req.Namespace == namespace && req.Name == name && req.Active {
			return *req, nil
		}
	}
	return models.CreditRequirement{}, ErrNotFound
}

func (m *MemoryStore) ApplyRequirementStatus(ctx context.Context, in RequirementStatusInput) (StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := statusKey(in.Username, in.Requirement.ID)
	row, ok := m.statuses[key]
	if !ok {
		row = &models.CreditRequirementStatus{
			ID:            uuid.New(),
			Username:      in.Username,
			RequirementID: in.Requirement.ID,
			Status:        in.Status,
			Reason:        cloneJSON(in.Reason),
			CreatedAt:     now,
			ModifiedAt:    now,
		}
		m.statuses[key] = row
	} else if row.Status != models.StatusSatisfied {
		row.Status = in.Status
		row.Reason = cloneJSON(in.Reason)
		row.ModifiedAt = now
	}

	result := StatusResult{}
	if in.Status == models.StatusSatisfied {
		satisfied := true
		for _, req := range m.activeRequirements(in.Requirement.CourseID, "") {
			st, ok := m.statuses[statusKey(in.Username, req.ID)]
			if !ok || st.Status != models.StatusSatisfied {
				satisfied = false
				break
			}
		}
		ekey := eligibilityKey(in.Username, in.Requirement.CourseID)
		if satisfied {
			if _, exists := m.eligibilities[ekey]; !exists {
				m.eligibilities[ekey] = &models.CreditEligibility{
					Username:  in.Username,
					CourseID:  in.Requirement.CourseID,
					Deadline:  in.EligibilityDeadline,
					CreatedAt: now,
				}
				result.EligibilityCreated = true
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) RemoveRequirementStatus(ctx context.Context, username string, requirementID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, statusKey(username, requirementID))
	return nil
}

func (m *MemoryStore) ListRequirementStatuses(ctx context.Context, f StatusFilter) ([]models.RequirementStatusView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var views []models.RequirementStatusView
	for _, req := range m.activeRequirements(f.CourseID, f.Namespace) {
		if f.Name != "" && req.Name != f.Name {
			continue
		}
		view := models.RequirementStatusView{
			Namespace:   req.Namespace,
			Name:        req.Name,
			DisplayName: req.DisplayName,
			Criteria:    cloneJSON(req.Criteria),
			Order:       req.Order,
		}
		if row, ok := m.statuses[statusKey(f.Username, req.ID)]; ok {
			st := row.Status
			view.Status = &st
			view.Reason = cloneJSON(row.Reason)
			t := row.ModifiedAt
			view.StatusDate = &t
		}
		views = append(views, view)
	}
	return views, nil
}

func (m *MemoryStore) GetRequirementStatus(ctx context.Context, username, courseID, namespace, name string) (models.CreditRequirementStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requirements {
		if req.CourseID != courseID || req.Namespace != namespace || req.Name != name {
			continue
		}
		if row, ok := m.statuses[statusKey(username, req.ID)]; ok {
			out := *row
			out.Reason = cloneJSON(row.Reason)
			return out, nil
		}
	}
	return models.CreditRequirementStatus{}, ErrNotFound
}

func (m *MemoryStore) eligibilityVisible(e *models.CreditEligibility) bool {
	course, ok := m.courses[e.CourseID]
	if !ok || !course.Enabled {
		return false
	}
	if e.Deadline != nil && !e.Deadline.After(m.now()) {
		return false
	}
	return true
}

func (m *MemoryStore) GetEligibility(ctx context.Context, username, courseID string) (models.CreditEligibility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligibility, ok := m.eligibilities[eligibilityKey(username, courseID)]
	if !ok || !m.eligibilityVisible(eligibility) {
		return models.CreditEligibility{}, ErrNotFound
	}
	return *eligibility, nil
}

func (m *MemoryStore) ListEligibilities(ctx context.Context, username string) ([]models.CreditEligibility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CreditEligibility
	for key, eligibility := range m.eligibilities {
		if !strings.HasPrefix(key, username+"\x00") {
			continue
		}
		if !m.eligibilityVisible(eligibility) {
			continue
		}
		out = append(out, *eligibility)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetOrCreateRequest(ctx context.Context, in RequestInput) (models.CreditRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requests {
		if req.Username == in.Username && req.CourseID == in.CourseID && req.ProviderID == in.ProviderID {
			return *req, nil
		}
	}
	now := m.now()
	req := &models.CreditRequest{
		ID:         uuid.New(),
		UUID:       in.UUID,
		Username:   in.Username,
		CourseID:   in.CourseID,
		ProviderID: in.ProviderID,
		Status:     models.RequestPending,
		Parameters: json.RawMessage("{}"),
		CreatedAt:  now,
		ModifiedAt: now,
	}
	m.requests[req.ID] = req
	return *req, nil
}

func (m *MemoryStore) UpdateRequestParameters(ctx context.Context, id uuid.UUID, params json.RawMessage) (models.CreditRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.Status != models.RequestPending {
		return models.CreditRequest{}, ErrNotFound
	}
	req.Parameters = cloneJSON(params)
	req.ModifiedAt = m.now()
	return *req, nil
}

func (m *MemoryStore) UpdateRequestStatus(ctx context.Context, requestUUID, providerID, status string) (models.CreditRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requests {
		if req.UUID == requestUUID && req.ProviderID == providerID {
			req.Status = status
			req.ModifiedAt = m.now()
			return *req, nil
		}
	}
	return models.CreditRequest{}, ErrNotFound
}

func (m *MemoryStore) requestSummary(req *models.CreditRequest) models.RequestSummary {
	sum := models.RequestSummary{
		UUID:       req.UUID,
		CourseID:   req.CourseID,
		Status:     req.Status,
		ModifiedAt: req.ModifiedAt,
	}
	sum.Provider.ID = req.ProviderID
	if provider, ok := m.providers[req.ProviderID]; ok {
		sum.Provider.DisplayName = provider.DisplayName
	}
	return sum
}

func (m *MemoryStore) ListRequestsForUser(ctx context.Context, username string) ([]models.RequestSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.CreditRequest
	for _, req := range m.requests {
		if req.Username == username {
			matched = append(matched, req)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	var summaries []models.RequestSummary
	for _, req := range matched {
		summaries = append(summaries, m.requestSummary(req))
	}
	return summaries, nil
}

func (m *MemoryStore) GetLatestRequest(ctx context.Context, username, courseID string) (models.RequestSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.CreditRequest
	for _, req := range m.requests {
		if req.Username != username || req.CourseID != courseID {
			continue
		}
		if latest == nil || req.ModifiedAt.After(latest.ModifiedAt) {
			latest = req
		}
	}
	if latest == nil {
		return models.RequestSummary{}, ErrNotFound
	}
	return m.requestSummary(latest), nil
}

func (m *MemoryStore) RequestExists(ctx context.Context, username, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requests {
		if req.Username == username && req.CourseID == courseID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
