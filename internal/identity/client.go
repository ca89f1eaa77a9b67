package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Profile is the learner identity snapshot forwarded to credit providers.
type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Country  string `json:"country"`
}

// CourseActivity carries the optional per-course timestamps. Empty strings
// mean the upstream system had no value; they are forwarded as-is.
type CourseActivity struct {
	EnrollmentTimestamp string `json:"enrollmentTimestamp"`
	CompletionTimestamp string `json:"completionTimestamp"`
}

// Client resolves learner identity from the platform user service.
type Client interface {
	Profile(ctx context.Context, username string) (Profile, error)
	CourseActivity(ctx context.Context, username, courseID string) (CourseActivity, error)
}

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Profile(ctx context.Context, username string) (Profile, error) {
	var profile Profile
	path := "/identity/v1/users/" + url.PathEscape(username)
	if err := c.getJSON(ctx, path, &profile); err != nil {
		return Profile{}, fmt.Errorf("identity profile: %w", err)
	}
	if profile.Username == "" {
		profile.Username = username
	}
	return profile, nil
}

// CourseActivity degrades softly: a failed lookup returns empty timestamps
// rather than blocking the credit request.
func (c *HTTPClient) CourseActivity(ctx context.Context, username, courseID string) (CourseActivity, error) {
	var activity CourseActivity
	path := "/identity/v1/users/" + url.PathEscape(username) + "/courses/" + url.PathEscape(courseID)
	if err := c.getJSON(ctx, path, &activity); err != nil {
		return CourseActivity{}, nil
	}
	return activity, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			decodeErr := decodeBody(resp, out)
			resp.Body.Close()
			if decodeErr == nil {
				return nil
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

func decodeBody(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("identity unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity rejected request: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("identity decode response: %w", err)
	}
	return nil
}

// Static returns fixed profiles, for tests and deployments without a user
// service. Unknown usernames resolve to a minimal profile.
type Static struct {
	Profiles   map[string]Profile
	Activities map[string]CourseActivity // username + "|" + course id
}

func (s *Static) Profile(ctx context.Context, username string) (Profile, error) {
	if p, ok := s.Profiles[username]; ok {
		return p, nil
	}
	return Profile{Username: username}, nil
}

func (s *Static) CourseActivity(ctx context.Context, username, courseID string) (CourseActivity, error) {
	return s.Activities[username+"|"+courseID], nil
}
