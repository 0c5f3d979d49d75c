package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedEvent marks an event type the pipeline does not process.
// Deliveries carrying one are acknowledged without being enqueued.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// Event type names as delivered by the provider.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventIssues      = "issues"
	EventReview      = "pull_request_review"
)

// Envelope is the unit of work handed to the queue. RawPayload keeps the
// verified body bytes so the consumer decodes the same payload the signature
// covered.
type Envelope struct {
	DeliveryID     string    `json:"delivery_id"`
	EventType      string    `json:"event_type"`
	RepoExternalID string    `json:"repo_external_id"`
	RawPayload     []byte    `json:"raw_payload"`
	ReceivedAt     time.Time `json:"received_at"`
}

// RepositoryRef identifies the repository a payload belongs to.
type RepositoryRef struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Org        string `json:"organization"`
}

// SenderRef identifies the account that triggered the delivery.
type SenderRef struct {
	Login string `json:"login"`
	Email string `json:"email"`
}

// Event is the decoded form of a delivery payload. The interface is sealed so
// dispatch over event kinds stays exhaustive.
type Event interface {
	Repo() RepositoryRef
	isEvent()
}

// PushCommit is one commit inside a push payload. The provider reports both
// per-file lists and line deltas.
type PushCommit struct {
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	Added       []string  `json:"added"`
	Removed     []string  `json:"removed"`
	Modified    []string  `json:"modified"`
	Additions   int       `json:"additions"`
	Deletions   int       `json:"deletions"`
}

// PushEvent is a push delivery payload.
type PushEvent struct {
	Repository RepositoryRef `json:"repository"`
	Sender     SenderRef     `json:"sender"`
	Ref        string        `json:"ref"`
	Commits    []PushCommit  `json:"commits"`
}

func (e PushEvent) Repo() RepositoryRef { return e.Repository }
func (e PushEvent) isEvent()            {}

// PullRequestPayload is the pull request object inside a delivery.
type PullRequestPayload struct {
	ExternalID   string     `json:"external_id"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	Merged       bool       `json:"merged"`
	CreatedAt    time.Time  `json:"created_at"`
	MergedAt     *time.Time `json:"merged_at"`
	ClosedAt     *time.Time `json:"closed_at"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changed_files"`
}

// PullRequestEvent is a pull_request delivery payload.
type PullRequestEvent struct {
	Repository  RepositoryRef      `json:"repository"`
	Sender      SenderRef          `json:"sender"`
	Action      string             `json:"action"`
	PullRequest PullRequestPayload `json:"pull_request"`
}

func (e PullRequestEvent) Repo() RepositoryRef { return e.Repository }
func (e PullRequestEvent) isEvent()            {}

// IssuePayload is the issue object inside a delivery.
type IssuePayload struct {
	ExternalID string     `json:"external_id"`
	Number     int        `json:"number"`
	Title      string     `json:"title"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at"`
}

// IssuesEvent is an issues delivery payload.
type IssuesEvent struct {
	Repository RepositoryRef `json:"repository"`
	Sender     SenderRef     `json:"sender"`
	Action     string        `json:"action"`
	Issue      IssuePayload  `json:"issue"`
}

func (e IssuesEvent) Repo() RepositoryRef { return e.Repository }
func (e IssuesEvent) isEvent()            {}

// ReviewPayload is the review object inside a delivery.
type ReviewPayload struct {
	ExternalID  string    `json:"external_id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ReviewEvent is a pull_request_review delivery payload.
type ReviewEvent struct {
	Repository  RepositoryRef      `json:"repository"`
	Sender      SenderRef          `json:"sender"`
	Action      string             `json:"action"`
	Review      ReviewPayload      `json:"review"`
	PullRequest PullRequestPayload `json:"pull_request"`
}

func (e ReviewEvent) Repo() RepositoryRef { return e.Repository }
func (e ReviewEvent) isEvent()            {}

// Supported reports whether the pipeline processes the given event type.
func Supported(eventType string) bool {
	switch eventType {
	case EventPush, EventPullRequest, EventIssues, EventReview:
		return true
	}
	return false
}

// DecodeEvent decodes a raw payload into its typed event for the given event
// type. Unsupported types return ErrUnsupportedEvent.
func DecodeEvent(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case EventPush:
		var event PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode push payload: %w", err)
		}
		return event, nil
	case EventPullRequest:
		var event PullRequestEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode pull_request payload: %w", err)
		}
		return event, nil
	case EventIssues:
		var event IssuesEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode issues payload: %w", err)
		}
		return event, nil
	case EventReview:
		var event ReviewEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode pull_request_review payload: %w", err)
		}
		return event, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
}

// repoPeek extracts just the repository reference from a raw payload so the
// receiver can resolve the repository before full decoding happens on the
// consumer side.
type repoPeek struct {
	Repository RepositoryRef `json:"repository"`
}

func peekRepository(payload []byte) (RepositoryRef, error) {
	var peek repoPeek
	if err := json.Unmarshal(payload, &peek); err != nil {
		return RepositoryRef{}, fmt.Errorf("decode payload: %w", err)
	}
	return peek.Repository, nil
}
