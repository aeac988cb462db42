package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryCount = 2
)

type targetPayload struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

type targetsResponse struct {
	Targets []targetPayload `json:"targets"`
}

// HTTPDirectory resolves target ownership against an external directory
// service: GET {base}/v1/owners/{owner}/targets?ids=1,2,3.
type HTTPDirectory struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPDirectory(baseURL string) (*HTTPDirectory, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)

	return NewHTTPDirectoryWithClient(baseURL, client)
}

func NewHTTPDirectoryWithClient(baseURL string, client *resty.Client) (*HTTPDirectory, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("directory url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return IsTransient(err)
			}
			return isTransientHTTPStatus(r.StatusCode())
		})

	return &HTTPDirectory{client: client, baseURL: trimmed}, nil
}

// OwnedTargets returns the targets among targetIDs that belong to ownerID.
// Ids the directory does not know, or that belong to someone else, are
// simply absent from the result.
func (d *HTTPDirectory) OwnedTargets(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error) {
	if d == nil || d.client == nil {
		return nil, fmt.Errorf("directory is not initialized")
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}

	var body targetsResponse
	response, err := d.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetPathParam("ownerId", ownerID).
		SetQueryParam("ids", strings.Join(targetIDs, ",")).
		SetResult(&body).
		Get(d.baseURL + "/v1/owners/{ownerId}/targets")
	if err != nil {
		return nil, &LookupError{
			Message:   "directory request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	status := response.StatusCode()
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &LookupError{
			StatusCode: status,
			Message:    errorMessage(status, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(status),
		}
	}

	requested := make(map[string]struct{}, len(targetIDs))
	for _, id := range targetIDs {
		requested[id] = struct{}{}
	}

	targets := make([]domain.Target, 0, len(body.Targets))
	for _, t := range body.Targets {
		if _, ok := requested[t.ID]; !ok || t.OwnerID != ownerID {
			continue
		}
		targets = append(targets, domain.Target{ID: t.ID, OwnerID: t.OwnerID, Name: t.Name})
	}
	return targets, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func errorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("directory returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
