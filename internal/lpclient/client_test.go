package lpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestWrapResourceDispatch(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt, err := New("https://api.launchpad.net/devel")
	require.NoError(t, err)

	t.Run("serviceRoot", func(t *testing.T) {
		res := clt.wrapResource("/", map[string]any{
			"resource_type_link":    "https://api.launchpad.net/devel/#service-root",
			"snaps_collection_link": "https://api.launchpad.net/devel/+snaps",
		})

		root, ok := res.(*Root)
		require.True(t, ok, "expected a *Root, got %T", res)
		assert.Equal(t, "https://api.launchpad.net/devel/+snaps", root.Get("snaps_collection_link"))
	})

	t.Run("entry", func(t *testing.T) {
		res := clt.wrapResource("/~snapbuilder/+snap/mysnap", map[string]any{
			"resource_type_link": "https://api.launchpad.net/devel/#snap",
			"self_link":          "/~snapbuilder/+snap/mysnap",
			"name":               "mysnap",
		})

		entry, ok := res.(*Entry)
		require.True(t, ok, "expected an *Entry, got %T", res)
		assert.Equal(t, "mysnap", entry.GetString("name"))
		assert.Equal(t, "/~snapbuilder/+snap/mysnap", entry.URI())
	})

	t.Run("typedCollection", func(t *testing.T) {
		res := clt.wrapResource("/+snaps", map[string]any{
			"resource_type_link": "https://api.launchpad.net/devel/#snaps",
			"total_size":         float64(1),
			"start":              float64(0),
			"entries": []any{
				map[string]any{
					"resource_type_link": "https://api.launchpad.net/devel/#snap",
					"self_link":          "/~snapbuilder/+snap/mysnap",
				},
			},
		})

		col, ok := res.(*Collection)
		require.True(t, ok, "expected a *Collection, got %T", res)
		assert.Equal(t, 1, col.TotalSize)
		require.Len(t, col.Entries, 1)
		assert.Equal(t, "/~snapbuilder/+snap/mysnap", col.Entries[0].URI())
	})

	t.Run("untypedCollection", func(t *testing.T) {
		res := clt.wrapResource("/+snaps", map[string]any{
			"total_size": float64(0),
			"entries":    []any{},
		})

		_, ok := res.(*Collection)
		require.True(t, ok, "expected a *Collection, got %T", res)
	})

	t.Run("plainObjectIsWrappedRecursively", func(t *testing.T) {
		res := clt.wrapResource("", map[string]any{
			"snap": map[string]any{
				"resource_type_link": "https://api.launchpad.net/devel/#snap",
				"self_link":          "/~snapbuilder/+snap/mysnap",
			},
			"count": float64(1),
		})

		m, ok := res.(map[string]any)
		require.True(t, ok, "expected a map, got %T", res)

		entry, ok := m["snap"].(*Entry)
		require.True(t, ok, "expected an *Entry, got %T", m["snap"])
		assert.Equal(t, "/~snapbuilder/+snap/mysnap", entry.URI())
		assert.Equal(t, float64(1), m["count"])
	})

	t.Run("arrayIsWrappedRecursively", func(t *testing.T) {
		res := clt.wrapResource("", []any{
			map[string]any{
				"resource_type_link": "https://api.launchpad.net/devel/#snap",
				"self_link":          "/~snapbuilder/+snap/mysnap",
			},
			"scalar",
		})

		arr, ok := res.([]any)
		require.True(t, ok, "expected a slice, got %T", res)
		require.Len(t, arr, 2)

		_, ok = arr[0].(*Entry)
		assert.True(t, ok, "expected an *Entry, got %T", arr[0])
		assert.Equal(t, "scalar", arr[1])
	})

	t.Run("scalar", func(t *testing.T) {
		assert.Equal(t, "hello", clt.wrapResource("", "hello"))
		assert.Nil(t, clt.wrapResource("", nil))
	})
}

func TestNamedPostFollowsCreatedLocation(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("/+snaps", func(resp http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodPost, req.Method)
		require.NoError(t, req.ParseForm())

		assert.Equal(t, "new", req.PostForm.Get("ws.op"))
		assert.Equal(t, []string{"amd64", "armhf"}, req.PostForm["processors"])

		resp.Header().Set("Location", "/~snapbuilder/+snap/mysnap")
		resp.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/~snapbuilder/+snap/mysnap", func(resp http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodGet, req.Method)

		serveJSON(t, resp, map[string]any{
			"resource_type_link": "https://api.launchpad.net/devel/#snap",
			"self_link":          "/~snapbuilder/+snap/mysnap",
			"name":               "mysnap",
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv.URL)

	res, err := clt.NamedPost(context.Background(), "/+snaps", "new", url.Values{
		"processors": {"amd64", "armhf"},
	})
	require.NoError(t, err)

	entry, ok := res.(*Entry)
	require.True(t, ok, "expected an *Entry, got %T", res)
	assert.Equal(t, "mysnap", entry.GetString("name"))
}

func TestResourceErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		http.Error(resp, "snap not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv.URL)

	_, err := clt.Get(context.Background(), "/missing", nil)
	require.Error(t, err)

	var resErr *ResourceError
	require.ErrorAs(t, err, &resErr)

	assert.Equal(t, http.StatusNotFound, resErr.StatusCode)
	assert.Equal(t, "snap not found\n", resErr.Body)
	assert.Equal(t, http.MethodGet, resErr.Method)
	assert.Contains(t, resErr.Error(), "404")
}

func TestGetSendsOAuthHeader(t *testing.T) {
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		authHeader = req.Header.Get("Authorization")
		serveJSON(t, resp, map[string]any{})
	}))
	t.Cleanup(srv.Close)

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt, err := New(srv.URL, WithOAuth("consumer", "token-key", "token-secret"))
	require.NoError(t, err)

	_, err = clt.Get(context.Background(), "/", nil)
	require.NoError(t, err)

	assert.Contains(t, authHeader, `oauth_signature_method="PLAINTEXT"`)
	assert.Contains(t, authHeader, `oauth_consumer_key="consumer"`)
	assert.Contains(t, authHeader, `oauth_token="token-key"`)
	assert.Contains(t, authHeader, `oauth_signature="%26token-secret"`)
}

func TestNonJSONResponseIsReturnedAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		resp.Header().Set("Content-Type", "text/plain")
		_, _ = resp.Write([]byte("caveat-id"))
	}))
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv.URL)

	res, err := clt.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "caveat-id", res)
}
