package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/models"
)

type fakeObject struct {
	kind      models.Kind
	title     string
	updatedAt time.Time
	version   int
}

type fakeComment struct {
	number    int
	origin    models.Origin
	id        int64
	createdAt time.Time
	updatedAt time.Time
	body      string
}

func (c fakeComment) payload() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"created_at":%q,"updated_at":%q,"body":%q}`,
		c.id, c.createdAt.Format(time.RFC3339), c.updatedAt.Format(time.RFC3339), c.body))
}

// fakeRemote is an in-memory repository implementing Remote
type fakeRemote struct {
	objects    map[int]*fakeObject
	comments   []fakeComment
	events     []models.FeedEntry
	eventsETag string
	eventsErr  error
	objectErrs map[int]error

	getObjectCalls  int
	eventPages      int
	pullsDelivered  int
	commentListings int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:    make(map[int]*fakeObject),
		objectErrs: make(map[int]error),
		eventsETag: `"feed-0"`,
	}
}

func (f *fakeRemote) addObject(number int, kind models.Kind, updatedAt time.Time) {
	f.objects[number] = &fakeObject{
		kind:      kind,
		title:     fmt.Sprintf("object %d", number),
		updatedAt: updatedAt,
		version:   1,
	}
}

// touch changes an object's payload
func (f *fakeRemote) touch(number int, at time.Time) {
	obj := f.objects[number]
	obj.version++
	obj.title = fmt.Sprintf("object %d v%d", number, obj.version)
	obj.updatedAt = at
}

func (f *fakeRemote) addComment(c fakeComment) {
	if c.updatedAt.IsZero() {
		c.updatedAt = c.createdAt
	}
	f.comments = append(f.comments, c)
}

func (f *fakeRemote) payload(number int, obj *fakeObject) json.RawMessage {
	extra := ""
	if obj.kind == models.KindPullRequest {
		extra = `,"head":{"ref":"topic"}`
	}
	return json.RawMessage(fmt.Sprintf(`{"number":%d,"title":%q,"state":"open","updated_at":%q%s}`,
		number, obj.title, obj.updatedAt.Format(time.RFC3339), extra))
}

func (f *fakeRemote) etag(number int, obj *fakeObject) string {
	return fmt.Sprintf(`"%d-v%d"`, number, obj.version)
}

func (f *fakeRemote) summary(number int, obj *fakeObject) models.Summary {
	return models.Summary{
		Number:    number,
		Kind:      obj.kind,
		Title:     obj.title,
		State:     "open",
		UpdatedAt: obj.updatedAt,
	}
}

func (f *fakeRemote) sortedNumbers(less func(a, b *fakeObject) bool) []int {
	var numbers []int
	for n := range f.objects {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool {
		a, b := f.objects[numbers[i]], f.objects[numbers[j]]
		if a.updatedAt.Equal(b.updatedAt) {
			return numbers[i] < numbers[j]
		}
		return less(a, b)
	})
	return numbers
}

func (f *fakeRemote) GetEvents(ctx context.Context, etag string, fn func([]models.FeedEntry) bool) (string, bool, error) {
	if f.eventsErr != nil {
		return "", false, f.eventsErr
	}
	if etag != "" && etag == f.eventsETag {
		return etag, true, nil
	}
	const pageSize = 2
	for i := 0; i < len(f.events); i += pageSize {
		end := i + pageSize
		if end > len(f.events) {
			end = len(f.events)
		}
		f.eventPages++
		if !fn(f.events[i:end]) {
			break
		}
	}
	if len(f.events) == 0 {
		f.eventPages++
		fn(nil)
	}
	return f.eventsETag, false, nil
}

func (f *fakeRemote) ListIssuesSince(ctx context.Context, since time.Time, fn func(models.Summary) bool) error {
	for _, n := range f.sortedNumbers(func(a, b *fakeObject) bool { return a.updatedAt.Before(b.updatedAt) }) {
		obj := f.objects[n]
		if obj.updatedAt.Before(since) {
			continue
		}
		if !fn(f.summary(n, obj)) {
			return nil
		}
	}
	return nil
}

func (f *fakeRemote) ListPullRequestsByUpdated(ctx context.Context, fn func(models.Summary) bool) error {
	for _, n := range f.sortedNumbers(func(a, b *fakeObject) bool { return a.updatedAt.After(b.updatedAt) }) {
		obj := f.objects[n]
		if obj.kind != models.KindPullRequest {
			continue
		}
		f.pullsDelivered++
		if !fn(f.summary(n, obj)) {
			return nil
		}
	}
	return nil
}

func (f *fakeRemote) ListRepoCommentsSince(ctx context.Context, origin models.Origin, since time.Time, fn func(models.CommentRef) bool) error {
	f.commentListings++
	for _, c := range f.comments {
		if c.origin != origin || c.updatedAt.Before(since) {
			continue
		}
		if !fn(models.CommentRef{ID: c.id, Origin: c.origin, Number: c.number, UpdatedAt: c.updatedAt}) {
			return nil
		}
	}
	return nil
}

func (f *fakeRemote) GetObject(ctx context.Context, kind models.Kind, number int, etag string) (models.FetchResult, error) {
	f.getObjectCalls++
	if err := f.objectErrs[number]; err != nil {
		return models.FetchResult{}, err
	}
	obj, ok := f.objects[number]
	if !ok {
		return models.FetchResult{}, fmt.Errorf("%w: #%d", api.ErrNotFound, number)
	}
	current := f.etag(number, obj)
	if etag == current {
		return models.FetchResult{ETag: etag, NotModified: true}, nil
	}
	return models.FetchResult{Payload: f.payload(number, obj), ETag: current}, nil
}

func (f *fakeRemote) ListObjectComments(ctx context.Context, number int, origin models.Origin, since time.Time) ([]models.Comment, error) {
	if _, ok := f.objects[number]; !ok {
		return nil, fmt.Errorf("%w: #%d", api.ErrNotFound, number)
	}
	var out []models.Comment
	for _, c := range f.comments {
		if c.number != number || c.origin != origin || c.updatedAt.Before(since) {
			continue
		}
		cm, err := models.CommentFromPayload(origin, c.payload())
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, nil
}
