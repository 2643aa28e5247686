// Package mongo provides the MongoDB-backed index tier.
package mongo

import (
	"errors"

	mongoc "github.com/socraticlabs/bench/features/index/mongo/clients/mongo"
	"github.com/socraticlabs/bench/pipeline/storage"
)

// Store implements storage.Index by delegating to the Mongo client.
type Store struct {
	mongoc.Client
}

var _ storage.Index = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{Client: client}, nil
}
