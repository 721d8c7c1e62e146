package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// courseContents is a two-section listing: one module with two files plus a
// URL item that must be skipped, and one module whose content lacks a
// download reference.
const courseContents = `[
  {
    "modules": [
      {
        "name": "Week 1",
        "modname": "resource",
        "contents": [
          {"type": "file", "filename": "syllabus.pdf", "filepath": "/", "fileurl": "https://lms.example.edu/f/1", "filesize": 1024, "timemodified": 1700000000},
          {"type": "file", "filename": "notes.txt", "filepath": "/", "fileurl": "https://lms.example.edu/f/2", "filesize": 64, "timemodified": 1700000001},
          {"type": "url", "filename": "reading", "fileurl": "https://example.com"}
        ]
      }
    ]
  },
  {
    "modules": [
      {
        "name": "Week 2",
        "modname": "folder",
        "contents": [
          {"type": "file", "filename": "broken.bin", "fileurl": "", "filesize": 9}
        ]
      }
    ]
  }
]`

func TestListFilesFlattensSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "core_course_get_contents", r.Form.Get("wsfunction"))
		assert.Equal(t, "42", r.Form.Get("courseid"))

		fmt.Fprint(w, courseContents)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())

	files, err := c.ListFiles(context.Background(), srv.URL, "token-1", "42")
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "syllabus.pdf", files[0].Filename)
	assert.Equal(t, int64(1024), files[0].Size)
	assert.Equal(t, "Week 1", files[0].ModuleName)
	assert.Equal(t, "resource", files[0].ModuleKind)
	assert.Equal(t, "notes.txt", files[1].Filename)
}

func TestListFilesEmptyCourse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())

	files, err := c.ListFiles(context.Background(), srv.URL, "token-1", "42")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListFilesListingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"exception":"invalidtoken","errorcode":"invalidtoken","message":"Invalid token"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())

	_, err := c.ListFiles(context.Background(), srv.URL, "token-1", "42")
	require.ErrorIs(t, err, ErrListing)
}
