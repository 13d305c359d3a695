// ABOUTME: HTTP implementation of the CRM client contract
// ABOUTME: Bearer-authenticated REST calls with mandatory timeouts and typed error mapping
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relaycrm/bridge/models"
)

// DefaultRequestTimeout bounds every remote call so a hung write cannot hold
// the per-identity lock indefinitely.
const DefaultRequestTimeout = 15 * time.Second

// HTTPClient talks to one platform's contact REST API:
//
//	GET    {base}/contacts?email=...   search by unique key
//	GET    {base}/contacts?page=N      list (sweep)
//	POST   {base}/contacts             create
//	PATCH  {base}/contacts/{id}        update
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the platform API at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type contactEnvelope struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type contactPage struct {
	Results  []contactEnvelope `json:"results"`
	NextPage int               `json:"next_page"`
}

// FindByEmail searches for a contact by email. Returns "" when none exists.
func (c *HTTPClient) FindByEmail(ctx context.Context, token, email string) (string, error) {
	q := url.Values{"email": {email}}
	endpoint := fmt.Sprintf("%s/contacts?%s", c.baseURL, q.Encode())

	var page contactPage
	if err := c.do(ctx, token, http.MethodGet, endpoint, nil, &page); err != nil {
		// A 404 on search means no match, not a failure.
		if ce, ok := asClientError(err); ok && ce.Kind == models.ErrorKindNotFound {
			return "", nil
		}
		return "", err
	}

	if len(page.Results) == 0 {
		return "", nil
	}
	return page.Results[0].ID, nil
}

// Create creates a contact and returns the new platform id.
func (c *HTTPClient) Create(ctx context.Context, token string, properties map[string]string) (string, error) {
	endpoint := c.baseURL + "/contacts"

	var created contactEnvelope
	body := contactEnvelope{Properties: properties}
	if err := c.do(ctx, token, http.MethodPost, endpoint, &body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &ClientError{Kind: models.ErrorKindValidationRejected, Message: "create response missing contact id"}
	}

	return created.ID, nil
}

// Update overwrites the mapped properties of an existing contact.
func (c *HTTPClient) Update(ctx context.Context, token, id string, properties map[string]string) error {
	endpoint := fmt.Sprintf("%s/contacts/%s", c.baseURL, url.PathEscape(id))
	body := contactEnvelope{Properties: properties}
	return c.do(ctx, token, http.MethodPatch, endpoint, &body, nil)
}

// do executes one authenticated request and decodes the response into out.
func (c *HTTPClient) do(ctx context.Context, token, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport errors are transient failures, never success.
		return &ClientError{Kind: models.ErrorKindNetworkError, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ClientError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(detail),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ClientError{Kind: models.ErrorKindNetworkError, StatusCode: resp.StatusCode,
				Message: fmt.Sprintf("failed to decode response: %v", err)}
		}
	}

	return nil
}

// listPage fetches one page of contacts. Used by TokenLister.
func (c *HTTPClient) listPage(ctx context.Context, token string, pageNum int) (*contactPage, error) {
	q := url.Values{}
	if pageNum > 0 {
		q.Set("page", fmt.Sprintf("%d", pageNum))
	}
	endpoint := c.baseURL + "/contacts"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	var page contactPage
	if err := c.do(ctx, token, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func classifyStatus(status int) models.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrorKindAuthExpired
	case status == http.StatusTooManyRequests:
		return models.ErrorKindRateLimited
	case status == http.StatusNotFound:
		return models.ErrorKindNotFound
	case status >= 400 && status < 500:
		return models.ErrorKindValidationRejected
	default:
		return models.ErrorKindNetworkError
	}
}

func asClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
