package gcs

import (
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestIsAuthError(t *testing.T) {
	var s = &store{}

	var cases = []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{storage.ErrBucketNotExist, true},
		{pkgerrors.WithMessage(storage.ErrBucketNotExist, "listing"), true},
		{storage.ErrObjectNotExist, false},
		{&googleapi.Error{Code: http.StatusForbidden, Message: "denied"}, true},
		{&googleapi.Error{Code: http.StatusNotFound, Message: "The specified bucket does not exist."}, true},
		{&googleapi.Error{Code: http.StatusNotFound, Message: "No such object"}, false},
		{&googleapi.Error{Code: http.StatusInternalServerError}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, s.IsAuthError(tc.err), "%v", tc.err)
	}
}
