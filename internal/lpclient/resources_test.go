package lpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func serveJSON(t *testing.T, resp http.ResponseWriter, representation any) {
	t.Helper()

	resp.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(resp).Encode(representation)
	require.NoError(t, err)
}

func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt, err := New(srvURL)
	require.NoError(t, err)

	return clt
}

func TestEntryDirtyTracking(t *testing.T) {
	var patchCount int32

	mux := http.NewServeMux()

	mux.HandleFunc("/~snapbuilder/+snap/mysnap", func(resp http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			atomic.AddInt32(&patchCount, 1)

			assert.Equal(t, "PATCH", req.Header.Get("X-HTTP-Method-Override"))
			assert.Equal(t, `"etag-1"`, req.Header.Get("If-Match"))

			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)

			var delta map[string]any
			require.NoError(t, json.Unmarshal(body, &delta))

			assert.Equal(t, map[string]any{
				"store_channels": []any{"edge"},
				"auto_build":     true,
			}, delta)

			serveJSON(t, resp, map[string]any{})
			return
		}

		serveJSON(t, resp, map[string]any{
			"resource_type_link": "https://api.launchpad.net/devel/#snap",
			"self_link":          "/~snapbuilder/+snap/mysnap",
			"http_etag":          `"etag-1"`,
			"name":               "mysnap",
			"auto_build":         false,
			"store_channels":     []any{"stable"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv.URL)

	res, err := clt.Get(context.Background(), "/~snapbuilder/+snap/mysnap", nil)
	require.NoError(t, err)

	entry, ok := res.(*Entry)
	require.True(t, ok, "expected an *Entry, got %T", res)

	assert.Empty(t, entry.DirtyAttributes())

	// setting the current value again must not mark the attribute dirty
	entry.Set("name", "mysnap")
	assert.Empty(t, entry.DirtyAttributes())

	entry.Set("store_channels", []any{"edge"})
	entry.Set("auto_build", true)
	// repeated writes keep the position of the first modification
	entry.Set("store_channels", []any{"edge"})

	assert.Equal(t, []string{"store_channels", "auto_build"}, entry.DirtyAttributes())
	assert.Equal(t, true, entry.Get("auto_build"))

	err = entry.Save(context.Background())
	require.NoError(t, err)

	assert.Empty(t, entry.DirtyAttributes())
	assert.EqualValues(t, 1, atomic.LoadInt32(&patchCount))

	// nothing dirty, Save must not send a request
	err = entry.Save(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&patchCount))
}

func TestEntrySaveWithoutSelfLink(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt, err := New("https://api.launchpad.net/devel")
	require.NoError(t, err)

	entry := newEntry(clt, "", map[string]any{"name": "mysnap"})
	entry.Set("name", "renamed")

	err = entry.Save(context.Background())
	require.Error(t, err)
}

func TestDetachedEntrySaveFails(t *testing.T) {
	entry := NewEntry("/~snapbuilder/+snap/mysnap", map[string]any{
		"self_link": "/~snapbuilder/+snap/mysnap",
	})
	entry.Set("auto_build", true)

	err := entry.Save(context.Background())
	require.ErrorContains(t, err, "detached")
}

func snapEntryRep(nr int) map[string]any {
	return map[string]any{
		"resource_type_link": "https://api.launchpad.net/devel/#snap",
		"self_link":          fmt.Sprintf("/~snapbuilder/+snap/snap%d", nr),
		"name":               fmt.Sprintf("snap%d", nr),
	}
}

func TestCollectionIterFetchesAllPages(t *testing.T) {
	var page1Requests, page2Requests int32

	mux := http.NewServeMux()

	mux.HandleFunc("/snaps", func(resp http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("ws.start") == "2" {
			atomic.AddInt32(&page2Requests, 1)

			serveJSON(t, resp, map[string]any{
				"total_size": 3,
				"start":      2,
				"entries":    []any{snapEntryRep(3)},
			})
			return
		}

		atomic.AddInt32(&page1Requests, 1)

		serveJSON(t, resp, map[string]any{
			"total_size":           3,
			"start":                0,
			"next_collection_link": "/snaps?ws.start=2&ws.size=2",
			"entries":              []any{snapEntryRep(1), snapEntryRep(2)},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv.URL)

	res, err := clt.Get(context.Background(), "/snaps", nil)
	require.NoError(t, err)

	col, ok := res.(*Collection)
	require.True(t, ok, "expected a *Collection, got %T", res)

	assert.Equal(t, 3, col.TotalSize)
	assert.Len(t, col.Entries, 2)

	var names []string

	iter := col.Iter()
	for {
		entry, err := iter.Next(context.Background())
		require.NoError(t, err)

		if entry == nil {
			break
		}

		names = append(names, entry.GetString("name"))
	}

	assert.Equal(t, []string{"snap1", "snap2", "snap3"}, names)

	// the first page was already in memory, iterating must not refetch it
	assert.EqualValues(t, 1, atomic.LoadInt32(&page1Requests))
	assert.EqualValues(t, 1, atomic.LoadInt32(&page2Requests))

	// a second iteration starts over from the in-memory first page
	entry, err := iter.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry, "exhausted iterator must keep returning nil")

	names = names[:0]
	iter = col.Iter()
	for {
		entry, err := iter.Next(context.Background())
		require.NoError(t, err)

		if entry == nil {
			break
		}

		names = append(names, entry.GetString("name"))
	}

	assert.Equal(t, []string{"snap1", "snap2", "snap3"}, names)
	assert.EqualValues(t, 1, atomic.LoadInt32(&page1Requests))
	assert.EqualValues(t, 2, atomic.LoadInt32(&page2Requests))
}

func TestCollectionSlice(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("/snaps", func(resp http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("ws.start") == "1" {
			assert.Equal(t, "1", req.URL.Query().Get("ws.size"))

			serveJSON(t, resp, map[string]any{
				"total_size": 3,
				"start":      1,
				"entries":    []any{snapEntryRep(2)},
			})
			return
		}

		serveJSON(t, resp, map[string]any{
			"total_size": 3,
			"start":      0,
			"entries":    []any{snapEntryRep(1), snapEntryRep(2), snapEntryRep(3)},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv.URL)

	res, err := clt.Get(context.Background(), "/snaps", nil)
	require.NoError(t, err)

	col, ok := res.(*Collection)
	require.True(t, ok)

	slice, err := col.Slice(context.Background(), 1, 1)
	require.NoError(t, err)

	require.Len(t, slice.Entries, 1)
	assert.Equal(t, "snap2", slice.Entries[0].GetString("name"))
	assert.Equal(t, 1, slice.StartIndex)
}
