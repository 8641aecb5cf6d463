package synctest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.strata.dev/core/changeset"
	"go.strata.dev/core/object"
	"go.strata.dev/core/schema"
	"go.strata.dev/core/session"
	"go.strata.dev/core/value"
)

func TestLogin(t *testing.T) {
	var srv = newTestServer(t)
	var ctx = context.Background()
	require.NoError(t, srv.AddUser(ctx, "ann@example.com", "secret"))

	var user, err = session.Login(ctx, srv, "http://sync", session.EmailPassword("ann@example.com", "secret"))
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	require.False(t, user.Expired())

	tok, err := user.Token()
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)

	// Invalidated tokens are refreshed.
	user.Invalidate()
	require.True(t, user.Expired())
	refreshed, err := user.Token()
	require.NoError(t, err)
	require.NotEqual(t, tok.AccessToken, refreshed.AccessToken)

	_, err = session.Login(ctx, srv, "http://sync", session.EmailPassword("ann@example.com", "wrong"))
	se, ok := session.AsError(err)
	require.True(t, ok, "%v", err)
	require.True(t, se.IsAuth())

	anon, err := session.Login(ctx, srv, "http://sync", session.Anonymous())
	require.NoError(t, err)
	require.NotEqual(t, user.ID, anon.ID)
}

func TestServeHTTP(t *testing.T) {
	var srv = newTestServer(t)
	var hs = httptest.NewServer(srv)
	defer hs.Close()

	var ctx = context.Background()
	var _, err = session.Login(ctx, session.HTTPTransport{}, hs.URL, session.Anonymous())
	require.NoError(t, err)

	resp, err := http.Get(hs.URL + session.PathLogin)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestIntegrationAndViews(t *testing.T) {
	var srv = newTestServer(t)
	var ctx = context.Background()

	var resp, serr, err = srv.upload(ctx, session.UploadRequest{
		ClientID: "c1",
		Changesets: []changeset.Changeset{
			{Version: 3, Instructions: []changeset.Instruction{
				create("Ann", 30, "p1"),
				create("Tim", 10, "p2"),
			}},
			{Version: 4, Instructions: []changeset.Instruction{
				{Op: changeset.Set, Class: "Person", PK: value.String("Ann"), Fields: map[string]value.Value{"age": value.Int(31)}},
			}},
		},
	})
	require.NoError(t, err)
	require.Nil(t, serr)
	require.Equal(t, uint64(4), resp.Acked)

	// Re-sent changesets aren't integrated twice.
	resp, _, err = srv.upload(ctx, session.UploadRequest{
		ClientID:   "c1",
		Changesets: []changeset.Changeset{{Version: 4, Instructions: []changeset.Instruction{create("Zed", 1, "p1")}}},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), resp.Acked)

	head, err := srv.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), head)

	// A partition client bootstraps its partition.
	dl, serr, err := srv.download(ctx, session.DownloadRequest{ClientID: "c2", Partition: "p1"})
	require.NoError(t, err)
	require.Nil(t, serr)
	require.True(t, dl.Bootstrap)
	require.True(t, dl.CaughtUp)
	require.Equal(t, head, dl.ServerVersion)
	require.Len(t, dl.Changesets, 1)
	require.Len(t, dl.Changesets[0].Instructions, 1)
	require.True(t, value.Int(31).Equal(dl.Changesets[0].Instructions[0].Fields["age"]))

	// Incremental downloads send current documents of the view.
	dl, _, err = srv.download(ctx, session.DownloadRequest{ClientID: "c2", Partition: "p1", After: 1, Limit: 10})
	require.NoError(t, err)
	require.False(t, dl.Bootstrap)
	require.Len(t, dl.Changesets, 1)
	require.Equal(t, uint64(2), dl.Changesets[0].Version)
	require.Equal(t, changeset.Create, dl.Changesets[0].Instructions[0].Op)

	// A flexible client sees only objects matching its queries.
	resp, _, err = srv.upload(ctx, session.UploadRequest{
		ClientID: "c3",
		Queries:  &session.QuerySet{Version: 1, Queries: []session.Query{{Class: "Person", Query: "age < 18"}}},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), resp.QueryVersion)

	dl, _, err = srv.download(ctx, session.DownloadRequest{ClientID: "c3", After: head})
	require.NoError(t, err)
	require.True(t, dl.Bootstrap)
	require.Equal(t, uint64(1), dl.QueryVersion)
	require.Len(t, dl.Changesets[0].Instructions, 1)
	require.True(t, value.String("Tim").Equal(dl.Changesets[0].Instructions[0].PK))

	// Queries of denied classes are rejected.
	resp, _, err = srv.upload(ctx, session.UploadRequest{
		ClientID: "c3",
		Queries:  &session.QuerySet{Version: 2, Queries: []session.Query{{Class: "Secret", Query: "TRUEPREDICATE"}}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.QueryError)
	require.Equal(t, session.CodeBadQuery, resp.QueryError.Code)
	require.Equal(t, "queries of Secret are not allowed", resp.QueryError.Message)
}

func TestClientResetAndServerWrites(t *testing.T) {
	var srv = newTestServer(t)
	var ctx = context.Background()

	require.NoError(t, srv.Write(ctx, func(txn *object.Txn) error {
		var _, err = txn.CreateWithPK("Person", value.String("Ann"), map[string]value.Value{
			"_partition": value.String("p1"),
		})
		return err
	}))
	require.NoError(t, srv.Read(func(txn *object.Txn) error {
		var n, err = txn.Count("Person")
		require.Equal(t, 1, n)
		return err
	}))

	require.NoError(t, srv.TriggerClientReset(ctx, "c1"))
	var _, serr, err = srv.download(ctx, session.DownloadRequest{ClientID: "c1", Partition: "p1", After: 1})
	require.NoError(t, err)
	require.Equal(t, session.ActionClientReset, serr.Action)

	_, serr, err = srv.upload(ctx, session.UploadRequest{ClientID: "c1"})
	require.NoError(t, err)
	require.True(t, serr.IsUnrecoverable())

	// A fresh download clears the pending reset.
	dl, serr, err := srv.download(ctx, session.DownloadRequest{ClientID: "c1", Partition: "p1", Fresh: true})
	require.NoError(t, err)
	require.Nil(t, serr)
	require.True(t, dl.Bootstrap)
	require.Len(t, dl.Changesets[0].Instructions, 1)

	ids, err := srv.Clients(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids)
}

func create(name string, age int64, partition string) changeset.Instruction {
	return changeset.Instruction{
		Op:    changeset.Create,
		Class: "Person",
		PK:    value.String(name),
		Fields: map[string]value.Value{
			"name":       value.String(name),
			"age":        value.Int(age),
			"_partition": value.String(partition),
		},
	}
}

const testSchemaYAML = `
classes:
  - name: Person
    primaryKey: name
    properties:
      - {name: name, type: string}
      - {name: age, type: int, optional: true}
      - {name: _partition, type: string, optional: true}
  - name: Secret
    primaryKey: id
    properties:
      - {name: id, type: string}
`

func newTestServer(t *testing.T) *Server {
	var s, err = schema.LoadYAML([]byte(testSchemaYAML))
	require.NoError(t, err)

	srv, err := NewServer(Options{Schema: s, DeniedClasses: []string{"Secret"}})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })
	return srv
}
