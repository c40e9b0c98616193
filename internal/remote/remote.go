// Package remote defines the contract with the BrewPass backend service and
// an HTTP implementation of it. The rest of the core treats the service as an
// opaque collaborator: one operation to execute a queued action, one to fetch
// a collection snapshot.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tapcrew/brewpass/core/internal/models"
)

// Collection identifies one of the independently-fetched remote collections.
type Collection string

const (
	CollectionCatalog  Collection = "catalog"
	CollectionTastings Collection = "tastings"
	CollectionRewards  Collection = "rewards"
)

// Collections lists every collection a full refresh covers.
func Collections() []Collection {
	return []Collection{CollectionCatalog, CollectionTastings, CollectionRewards}
}

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "NETWORK_ERROR"
	KindServer     ErrorKind = "SERVER_ERROR"
	KindParse      ErrorKind = "PARSE_ERROR"
	KindValidation ErrorKind = "VALIDATION_ERROR"
)

// Error is a classified remote failure.
type Error struct {
	Kind       ErrorKind
	HTTPStatus int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a remote error, or KindServer for foreign errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindServer
}

// IsPresumedSuccess reports whether err carries the known signature of the
// upstream quirk where a successful write returns a 2xx status with a body
// that fails to parse. The write already mutated server state, so retrying it
// would duplicate the action. This policy is specific to this backend's
// action endpoints; it must not be generalized to other collaborators and is
// never applied to collection fetches.
func IsPresumedSuccess(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Kind == KindParse && re.HTTPStatus >= 200 && re.HTTPStatus < 300
}

// Snapshot is one fetched collection. Exactly one of the item slices is
// populated, matching Kind. Raw holds the canonical response bytes used for
// change detection against the cached copy.
type Snapshot struct {
	Kind     Collection
	Beers    []*models.Beer
	Tastings []*models.Tasting
	Rewards  []*models.Reward
	Raw      []byte
}

// ItemCount returns the number of items in the snapshot.
func (s *Snapshot) ItemCount() int {
	switch s.Kind {
	case CollectionCatalog:
		return len(s.Beers)
	case CollectionTastings:
		return len(s.Tastings)
	case CollectionRewards:
		return len(s.Rewards)
	}
	return 0
}

// ActionExecutor executes a queued user action against the remote service.
type ActionExecutor interface {
	Execute(ctx context.Context, opType models.OperationType, payload json.RawMessage) error
}

// CollectionFetcher fetches one remote collection.
type CollectionFetcher interface {
	FetchCollection(ctx context.Context, kind Collection) (*Snapshot, error)
}

// Service is the full remote collaborator contract.
type Service interface {
	ActionExecutor
	CollectionFetcher
}
