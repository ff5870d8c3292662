package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload is returned when an opaque payload lacks a field the engine relies on
var ErrInvalidPayload = errors.New("invalid payload")

// KindOf inspects an issue or pull request payload. The issues endpoint marks
// pull requests with a "pull_request" object; the pulls endpoint carries "head".
func KindOf(raw json.RawMessage) Kind {
	if gjson.GetBytes(raw, "pull_request").Exists() || gjson.GetBytes(raw, "head").Exists() {
		return KindPullRequest
	}
	return KindIssue
}

// SummaryFromPayload extracts the summary fields from an issue or pull request payload
func SummaryFromPayload(raw json.RawMessage) (Summary, error) {
	if !gjson.ValidBytes(raw) {
		return Summary{}, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}

	res := gjson.GetManyBytes(raw, "number", "title", "state", "updated_at")
	number := int(res[0].Int())
	if number <= 0 {
		return Summary{}, fmt.Errorf("%w: missing number", ErrInvalidPayload)
	}

	s := Summary{
		Number: number,
		Kind:   KindOf(raw),
		Title:  res[1].String(),
		State:  res[2].String(),
	}
	if v := res[3].String(); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Summary{}, fmt.Errorf("%w: updated_at: %v", ErrInvalidPayload, err)
		}
		s.UpdatedAt = t.UTC()
	}
	return s, nil
}

// CommentFromPayload builds a Comment from an opaque comment payload
func CommentFromPayload(origin Origin, raw json.RawMessage) (Comment, error) {
	if !gjson.ValidBytes(raw) {
		return Comment{}, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}

	res := gjson.GetManyBytes(raw, "id", "created_at")
	id := res[0].Int()
	if id <= 0 {
		return Comment{}, fmt.Errorf("%w: missing comment id", ErrInvalidPayload)
	}
	createdAt, err := time.Parse(time.RFC3339, res[1].String())
	if err != nil {
		return Comment{}, fmt.Errorf("%w: comment %d created_at: %v", ErrInvalidPayload, id, err)
	}

	return Comment{
		ID:        id,
		Origin:    origin,
		CreatedAt: createdAt.UTC(),
		Payload:   CompactJSON(raw),
	}, nil
}
