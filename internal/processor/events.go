package processor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/webhook"
)

func (d *Dispatcher) processPush(ctx context.Context, repo store.Repository, event webhook.PushEvent) (Result, Resolution, error) {
	result := Result{Metadata: map[string]string{
		"ref":     event.Ref,
		"commits": strconv.Itoa(len(event.Commits)),
	}}
	if len(event.Commits) == 0 {
		result.Skipped = true
		return result, Resolution{}, nil
	}

	sender, err := resolveAuthor(ctx, d.store, repo.OrgID, event.Sender.Email, event.Sender.Login)
	if err != nil {
		return Result{}, Resolution{}, fmt.Errorf("resolve sender: %w", err)
	}

	for _, payload := range event.Commits {
		author, err := resolveAuthor(ctx, d.store, repo.OrgID, payload.AuthorEmail, payload.AuthorName)
		if err != nil {
			return Result{}, Resolution{}, fmt.Errorf("resolve commit author: %w", err)
		}
		commit := store.Commit{
			SHA:          payload.SHA,
			RepoID:       repo.ID,
			OrgID:        repo.OrgID,
			AuthorID:     author.UserID,
			Message:      payload.Message,
			Timestamp:    payload.Timestamp.UTC(),
			Additions:    payload.Additions,
			Deletions:    payload.Deletions,
			FilesTouched: len(payload.Added) + len(payload.Removed) + len(payload.Modified),
		}
		created, err := d.store.UpsertCommit(ctx, commit)
		if err != nil {
			return Result{}, Resolution{}, fmt.Errorf("upsert commit %s: %w", payload.SHA, err)
		}
		countChange(&result, created)
		result.markDay(commit.Timestamp)
	}
	return result, sender, nil
}

func (d *Dispatcher) processPullRequest(ctx context.Context, repo store.Repository, event webhook.PullRequestEvent) (Result, Resolution, error) {
	author, err := resolveAuthor(ctx, d.store, repo.OrgID, event.Sender.Email, event.Sender.Login)
	if err != nil {
		return Result{}, Resolution{}, fmt.Errorf("resolve sender: %w", err)
	}

	pr, err := pullRequestRecord(repo, event.PullRequest, author)
	if err != nil {
		return Result{}, Resolution{}, err
	}
	created, err := d.store.UpsertPullRequest(ctx, pr)
	if err != nil {
		return Result{}, Resolution{}, fmt.Errorf("upsert pull request %s: %w", pr.ExternalID, err)
	}

	result := Result{Metadata: map[string]string{
		"action": event.Action,
		"state":  string(pr.State),
	}}
	countChange(&result, created)
	result.markDay(pr.CreatedAt)
	if pr.MergedAt != nil {
		result.markDay(*pr.MergedAt)
	}
	if pr.ClosedAt != nil {
		result.markDay(*pr.ClosedAt)
	}
	return result, author, nil
}

func (d *Dispatcher) processIssues(ctx context.Context, repo store.Repository, event webhook.IssuesEvent) (Result, Resolution, error) {
	author, err := resolveAuthor(ctx, d.store, repo.OrgID, event.Sender.Email, event.Sender.Login)
	if err != nil {
		return Result{}, Resolution{}, fmt.Errorf("resolve sender: %w", err)
	}

	payload := event.Issue
	if payload.ExternalID == "" {
		return Result{Skipped: true}, Resolution{}, nil
	}

	issue := store.Issue{
		ExternalID: payload.ExternalID,
		RepoID:     repo.ID,
		OrgID:      repo.OrgID,
		AuthorID:   author.UserID,
		Number:     payload.Number,
		Title:      payload.Title,
		State:      store.IssueOpen,
		CreatedAt:  payload.CreatedAt.UTC(),
	}
	if payload.ClosedAt != nil || strings.EqualFold(payload.State, "closed") {
		issue.State = store.IssueClosed
	}
	if payload.ClosedAt != nil {
		closedAt := payload.ClosedAt.UTC()
		issue.ClosedAt = &closedAt
		if !payload.CreatedAt.IsZero() {
			hours := closedAt.Sub(payload.CreatedAt.UTC()).Hours()
			issue.ResolutionHours = &hours
		}
	}

	created, err := d.store.UpsertIssue(ctx, issue)
	if err != nil {
		return Result{}, Resolution{}, fmt.Errorf("upsert issue %s: %w", issue.ExternalID, err)
	}

	result := Result{Metadata: map[string]string{
		"action": event.Action,
		"state":  string(issue.State),
	}}
	countChange(&result, created)
	result.markDay(issue.CreatedAt)
	if issue.ClosedAt != nil {
		result.markDay(*issue.ClosedAt)
	}
	return result, author, nil
}

func (d *Dispatcher) processReview(ctx context.Context, repo store.Repository, event webhook.ReviewEvent) (Result, Resolution, error) {
	reviewer, err := resolveAuthor(ctx, d.store, repo.OrgID, event.Sender.Email, event.Sender.Login)
	if err != nil {
		return Result{}, Resolution{}, fmt.Errorf("resolve reviewer: %w", err)
	}

	result := Result{Metadata: map[string]string{
		"action":       event.Action,
		"review_state": event.Review.State,
	}}

	// A review delivery carries the current pull request object; keeping the
	// canonical record fresh here means review-only activity still updates
	// change-volume fields.
	result.markDay(event.Review.SubmittedAt)

	if event.PullRequest.ExternalID != "" {
		pr, err := pullRequestRecord(repo, event.PullRequest, Resolution{})
		if err != nil {
			return Result{}, Resolution{}, err
		}
		created, err := d.store.UpsertPullRequest(ctx, pr)
		if err != nil {
			return Result{}, Resolution{}, fmt.Errorf("upsert pull request %s: %w", pr.ExternalID, err)
		}
		countChange(&result, created)
		result.markDay(pr.CreatedAt)
		if pr.MergedAt != nil {
			result.markDay(*pr.MergedAt)
		}
		if pr.ClosedAt != nil {
			result.markDay(*pr.ClosedAt)
		}
	}
	return result, reviewer, nil
}

func pullRequestRecord(repo store.Repository, payload webhook.PullRequestPayload, author Resolution) (store.PullRequest, error) {
	if payload.ExternalID == "" {
		return store.PullRequest{}, fmt.Errorf("pull request payload is missing external id")
	}

	pr := store.PullRequest{
		ExternalID:   payload.ExternalID,
		RepoID:       repo.ID,
		OrgID:        repo.OrgID,
		AuthorID:     author.UserID,
		Number:       payload.Number,
		Title:        payload.Title,
		State:        store.PullRequestOpen,
		CreatedAt:    payload.CreatedAt.UTC(),
		Additions:    payload.Additions,
		Deletions:    payload.Deletions,
		ChangedFiles: payload.ChangedFiles,
	}

	switch {
	case payload.Merged || payload.MergedAt != nil || strings.EqualFold(payload.State, "merged"):
		pr.State = store.PullRequestMerged
	case strings.EqualFold(payload.State, "closed") || payload.ClosedAt != nil:
		pr.State = store.PullRequestClosed
	}

	if payload.MergedAt != nil {
		mergedAt := payload.MergedAt.UTC()
		pr.MergedAt = &mergedAt
		if !payload.CreatedAt.IsZero() {
			hours := mergedAt.Sub(payload.CreatedAt.UTC()).Hours()
			pr.CycleTimeHours = &hours
		}
	}
	if payload.ClosedAt != nil {
		closedAt := payload.ClosedAt.UTC()
		pr.ClosedAt = &closedAt
	}

	return pr, nil
}
