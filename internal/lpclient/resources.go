package lpclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
)

// Resource is the common part of all objects retrieved from the build
// service. It remembers the client it was produced by and its canonical
// location, both are never part of the serialized representation.
type Resource struct {
	client *Client
	uri    string
}

// URI returns the canonical location of the resource.
func (r *Resource) URI() string {
	return r.uri
}

// NamedGet runs a named GET operation on this resource.
func (r *Resource) NamedGet(ctx context.Context, operation string, opts *GetOptions) (any, error) {
	return r.client.NamedGet(ctx, r.uri, operation, opts)
}

// NamedPost runs a named POST operation on this resource.
func (r *Resource) NamedPost(ctx context.Context, operation string, parameters url.Values) (any, error) {
	return r.client.NamedPost(ctx, r.uri, operation, parameters)
}

// Root is the service root of the build service API.
type Root struct {
	Resource
	attrs map[string]any
}

// Get returns the value of a service root attribute.
func (r *Root) Get(name string) any {
	return r.attrs[name]
}

// Entry is a single remote object.
// Attribute writes are tracked, Save sends only the modified attributes back
// to the service.
type Entry struct {
	Resource

	attrs map[string]any
	// names of modified attributes, in first-modified order, no duplicates
	dirtyOrder []string
	dirty      map[string]struct{}
}

func newEntry(client *Client, uri string, representation map[string]any) *Entry {
	attrs := make(map[string]any, len(representation))
	for k, v := range representation {
		attrs[k] = v
	}

	return &Entry{
		Resource: Resource{client: client, uri: uri},
		attrs:    attrs,
		dirty:    map[string]struct{}{},
	}
}

// NewEntry returns a detached entry with the given attributes.
// A detached entry has no originating client, it can be inspected but not
// saved or used for further requests.
func NewEntry(uri string, attrs map[string]any) *Entry {
	return newEntry(nil, uri, attrs)
}

// Get returns the value of the attribute or nil when it does not exist.
func (e *Entry) Get(name string) any {
	return e.attrs[name]
}

// GetString returns the attribute value as string.
// A missing attribute or a non-string value yields the empty string.
func (e *Entry) GetString(name string) string {
	s, _ := e.attrs[name].(string)
	return s
}

// Set records a new value for the attribute.
// When the value differs from the current one the attribute is marked dirty.
// An attribute is listed at most once, at the position of its first
// modification.
func (e *Entry) Set(name string, value any) {
	if !reflect.DeepEqual(e.attrs[name], value) {
		if _, exist := e.dirty[name]; !exist {
			e.dirty[name] = struct{}{}
			e.dirtyOrder = append(e.dirtyOrder, name)
		}
	}

	e.attrs[name] = value
}

// DirtyAttributes returns the names of the modified attributes in
// first-modified order.
func (e *Entry) DirtyAttributes() []string {
	result := make([]string, len(e.dirtyOrder))
	copy(result, e.dirtyOrder)

	return result
}

// Save writes the modified attributes back to the service via a PATCH
// request. The http_etag attribute, when present, is sent as If-Match
// precondition to detect lost updates. On success the dirty list is cleared.
func (e *Entry) Save(ctx context.Context) error {
	if len(e.dirtyOrder) == 0 {
		return nil
	}

	if e.client == nil {
		return errors.New("entry is detached, can not be saved")
	}

	selfLink := e.GetString("self_link")
	if selfLink == "" {
		return errors.New("entry has no self_link attribute, can not be saved")
	}

	delta := make(map[string]any, len(e.dirtyOrder))
	for _, name := range e.dirtyOrder {
		delta[name] = e.attrs[name]
	}

	_, err := e.client.Patch(ctx, selfLink, delta, e.GetString("http_etag"))
	if err != nil {
		return fmt.Errorf("saving entry failed: %w", err)
	}

	e.dirtyOrder = nil
	e.dirty = map[string]struct{}{}

	return nil
}

// Collection is one page of a paged set of entries.
type Collection struct {
	Resource

	// TotalSize is the number of entries across all pages.
	TotalSize int
	// StartIndex is the offset of the first entry of this page.
	StartIndex int
	// Entries are the entries of this page, in server order.
	Entries []*Entry

	nextPageLink string
}

func newCollection(client *Client, uri string, representation map[string]any) *Collection {
	col := Collection{
		Resource: Resource{client: client, uri: uri},
	}

	if v, ok := representation["total_size"].(float64); ok {
		col.TotalSize = int(v)
	}

	if v, ok := representation["start"].(float64); ok {
		col.StartIndex = int(v)
	}

	col.nextPageLink, _ = representation["next_collection_link"].(string)

	entries, _ := representation["entries"].([]any)
	col.Entries = make([]*Entry, 0, len(entries))

	for _, rep := range entries {
		m, ok := rep.(map[string]any)
		if !ok {
			continue
		}

		selfLink, _ := m["self_link"].(string)
		col.Entries = append(col.Entries, newEntry(client, selfLink, m))
	}

	return &col
}

// Slice fetches a sub-range of the collection from the service.
func (c *Collection) Slice(ctx context.Context, start, size int) (*Collection, error) {
	res, err := c.client.Get(ctx, c.uri, &GetOptions{Start: &start, Size: &size})
	if err != nil {
		return nil, err
	}

	col, ok := res.(*Collection)
	if !ok {
		return nil, fmt.Errorf("expected a collection representation from %s, got %T", c.uri, res)
	}

	return col, nil
}

// Iter returns an iterator over all entries of the collection across all
// pages. Every call starts a new iteration from the already fetched first
// page, following pages are fetched lazily while the iterator is consumed.
func (c *Collection) Iter() *EntryIter {
	return &EntryIter{
		client:       c.client,
		unseen:       c.Entries,
		nextPageLink: c.nextPageLink,
	}
}

// EntryIter iterates over the entries of a collection, fetching subsequent
// pages on demand.
type EntryIter struct {
	client *Client

	unseen       []*Entry
	nextPageLink string
}

// Next returns the next entry.
// When all entries of all pages were returned, a nil Entry is returned.
func (it *EntryIter) Next(ctx context.Context) (*Entry, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.nextPageLink == "" {
		return nil, nil
	}

	res, err := it.client.Get(ctx, it.nextPageLink, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching next collection page failed: %w", err)
	}

	col, ok := res.(*Collection)
	if !ok {
		return nil, fmt.Errorf("expected a collection representation from %s, got %T", it.nextPageLink, res)
	}

	it.unseen = col.Entries
	it.nextPageLink = col.nextPageLink

	if len(it.unseen) == 0 && it.nextPageLink == "" {
		return nil, nil
	}

	return it.Next(ctx)
}
