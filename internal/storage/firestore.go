package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/authsession/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/utils/clock"
)

var _ Store = (*FirestoreStore)(nil)

// recordDoc is one record in the Firestore collection. created_at is lifted
// out of the JSON value so age-bounded clears can be answered by a query.
type recordDoc struct {
	Namespace string    `firestore:"namespace"`
	Key       string    `firestore:"key"`
	Value     []byte    `firestore:"value"`
	CreatedAt int64     `firestore:"created_at,omitempty"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreStore keeps records in a Firestore collection, shared by every
// namespace and distinguished by the namespace field.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	prefix     string
	clock      clock.PassiveClock
}

// NewFirestoreStore connects to Firestore and returns a store for prefix.
func NewFirestoreStore(ctx context.Context, projectID, database, collection, prefix string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return NewFirestoreStoreWithClient(client, collection, prefix), nil
}

// NewFirestoreStoreWithClient shares an existing client between namespaces.
func NewFirestoreStoreWithClient(client *firestore.Client, collection, prefix string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection, prefix: prefix, clock: clock.RealClock{}}
}

// Close releases the Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) docID(key string) string {
	// PathEscape always escapes '|', so the separator cannot occur in either part.
	return url.PathEscape(s.prefix) + "|" + url.PathEscape(key)
}

func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.client.Collection(s.collection).Doc(s.docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record from Firestore: %w", err)
	}

	var rec recordDoc
	if err := doc.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec.Value, nil
}

func (s *FirestoreStore) Set(ctx context.Context, key string, value []byte) error {
	rec := recordDoc{
		Namespace: s.prefix,
		Key:       key,
		Value:     value,
		UpdatedAt: s.clock.Now(),
	}
	if created, ok := recordCreatedAt(value); ok {
		rec.CreatedAt = created.Unix()
	}

	if _, err := s.client.Collection(s.collection).Doc(s.docID(key)).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to store record in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Collection(s.collection).Doc(s.docID(key)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete record from Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Clear(ctx context.Context, maxAge time.Duration) error {
	q := s.client.Collection(s.collection).Where("namespace", "==", s.prefix)
	if maxAge > 0 {
		q = q.Where("created_at", "<", s.clock.Now().Add(-maxAge).Unix())
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to iterate records: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	if count > 0 {
		log.LogDebugWithFields("firestore", "Cleared records", map[string]any{
			"namespace": s.prefix,
			"count":     count,
		})
	}
	return nil
}
