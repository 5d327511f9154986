package boliga

import (
	"context"
	"encoding/json"
	"log"

	"github.com/kasperjunge/boligmarkedet/models"
)

// Page is one fetched slice of a category walk. Cursor is the page that
// produced it, NextCursor the page to fetch after it commits.
type Page struct {
	Category   models.Category
	Cursor     int
	NextCursor int
	Records    []json.RawMessage
	TotalCount int
	TotalPages int
	HasMore    bool
}

// Walker produces pages on demand so a multi-million-record walk never
// materializes more than one page.
type Walker struct {
	client *Client
}

func NewWalker(client *Client) *Walker {
	return &Walker{client: client}
}

// Pages starts (or resumes) a walk. startCursor below FirstPage begins a
// fresh walk.
func (w *Walker) Pages(category models.Category, filter SearchFilter, startCursor int) *PageIter {
	if startCursor < FirstPage {
		startCursor = FirstPage
	}
	return &PageIter{
		client:   w.client,
		category: category,
		filter:   filter,
		next:     startCursor,
	}
}

// FirstPage is the cursor value of a fresh walk.
const FirstPage = 1

// PageIter is a restartable lazy page sequence. It never trusts totalCount
// to stay fixed mid-walk: the only stop conditions are an empty page or the
// upstream reporting no further pages.
type PageIter struct {
	client   *Client
	category models.Category
	filter   SearchFilter
	next     int
	done     bool
}

// Next fetches the next page. It returns (nil, nil) when the walk is
// exhausted. A fetch error (including exhausted retries) ends the walk and
// propagates; the caller decides between pause-and-resume and abort.
func (it *PageIter) Next(ctx context.Context) (*Page, error) {
	if it.done {
		return nil, nil
	}

	page, err := it.client.SearchPage(ctx, it.category, it.filter, it.next)
	if err != nil {
		it.done = true
		return nil, err
	}

	if len(page.Records) == 0 {
		log.Printf("Walker: %s page %d empty, walk complete", it.category, it.next)
		it.done = true
		return nil, nil
	}

	it.next = page.NextCursor
	if !page.HasMore {
		it.done = true
	}
	return page, nil
}

// Cursor returns the page the iterator will fetch next; this is the value a
// checkpoint needs to resume the walk.
func (it *PageIter) Cursor() int {
	return it.next
}
