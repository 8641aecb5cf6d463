package stores

import (
	"net/url"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
)

// DisableSignedUrls causes SignGet of cloud backends to return unsigned
// URLs, for buckets which permit anonymous reads.
var DisableSignedUrls = false

// ParseArgs decodes the query arguments of store URL |ep| into |args|,
// which is a pointer to a backend's arguments struct. Unknown arguments
// are an error.
func ParseArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return errors.WithMessage(err, "parsing store URL arguments")
	}
	return nil
}
