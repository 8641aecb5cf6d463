package session

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.strata.dev/core/mvcc"
	"go.strata.dev/core/object"
)

// metadata is the durable sync state of a File.
type metadata struct {
	ClientID string `json:"clientId"`
	// ServerVersion through which server changes have been applied.
	ServerVersion uint64 `json:"serverVersion"`
}

func metadataKey() []byte { return object.MetaKey("sync") }

func loadMetadata(r object.Reader) (metadata, bool, error) {
	var md metadata
	var b, ok, err = r.Get(metadataKey())
	if err != nil || !ok {
		return md, false, err
	}
	if err = json.Unmarshal(b, &md); err != nil {
		return md, false, errors.WithMessage(err, "decoding sync metadata")
	}
	return md, true, nil
}

func (md metadata) store(w *mvcc.WriteTxn) error {
	var b, err = json.Marshal(md)
	if err != nil {
		return err
	}
	return w.Put(metadataKey(), b)
}

// initMetadata loads the metadata of |m|, assigning a client ID on first use.
func initMetadata(ctx context.Context, m *mvcc.Manager) (metadata, error) {
	var r, err = m.BeginRead()
	if err != nil {
		return metadata{}, err
	}
	md, ok, err := loadMetadata(r)
	r.Release()

	if err != nil || ok {
		return md, err
	}
	md.ClientID = uuid.New().String()

	w, err := m.BeginWrite(ctx)
	if err != nil {
		return metadata{}, err
	} else if err = md.store(w); err != nil {
		_ = w.Rollback()
		return metadata{}, err
	} else if _, err = w.Commit(); err != nil {
		return metadata{}, err
	}
	return md, nil
}
