package session

import "go.strata.dev/core/changeset"

// Paths of the sync service, relative to its base URL.
const (
	PathLogin    = "/api/auth/login"
	PathRefresh  = "/api/auth/refresh"
	PathUpload   = "/api/sync/upload"
	PathDownload = "/api/sync/download"
)

// Login providers.
const (
	ProviderAnonymous     = "anonymous"
	ProviderEmailPassword = "email"
)

// LoginRequest is the body of a login.
type LoginRequest struct {
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// LoginResponse is the response to a LoginRequest.
type LoginResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the response to a refresh, which is authorized by the
// refresh token.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// QuerySet is the queries of a subscription set, as sent to the service.
type QuerySet struct {
	Version uint64  `json:"version"`
	Queries []Query `json:"queries"`
}

// Query of a QuerySet.
type Query struct {
	Class string `json:"class"`
	Query string `json:"query"`
}

// UploadRequest carries local Changesets which the service hasn't yet
// acknowledged, and any new QuerySet of the client.
type UploadRequest struct {
	ClientID   string                `json:"clientId"`
	Partition  string                `json:"partition,omitempty"`
	Changesets []changeset.Changeset `json:"changesets"`
	Queries    *QuerySet             `json:"queries,omitempty"`
}

// UploadResponse acknowledges an UploadRequest.
type UploadResponse struct {
	// Acked is the greatest client version integrated by the service.
	Acked uint64 `json:"acked"`
	// QueryVersion is the QuerySet version accepted by the service.
	QueryVersion uint64 `json:"queryVersion,omitempty"`
	// QueryError rejects the QuerySet of the request.
	QueryError *Error `json:"queryError,omitempty"`
}

// DownloadRequest asks for server Changesets after a server version. It's
// sent as URL query parameters.
type DownloadRequest struct {
	ClientID  string `schema:"client"`
	Partition string `schema:"partition"`
	After     uint64 `schema:"after"`
	Limit     int    `schema:"limit"`
	// Fresh requests a complete bootstrap, as part of a client reset.
	Fresh bool `schema:"fresh"`
}

// DownloadResponse carries server Changesets in version order.
type DownloadResponse struct {
	Changesets []changeset.Changeset `json:"changesets"`
	// ServerVersion through which the client is synchronized upon applying
	// the response.
	ServerVersion uint64 `json:"serverVersion"`
	// CaughtUp is true if there are no further server changes.
	CaughtUp bool `json:"caughtUp"`
	// Bootstrap is true if the Changesets are a complete snapshot of the
	// client's view, rather than incremental changes.
	Bootstrap bool `json:"bootstrap,omitempty"`
	// QueryVersion is the QuerySet version the Changesets reflect.
	QueryVersion uint64 `json:"queryVersion,omitempty"`
}
