package store

import (
	"context"
	"fmt"

	"github.com/akinalp/threadline/pkg"
)

// Get reads the document at path once. It subscribes, waits for the first
// snapshot and unsubscribes. A missing document yields pkg.ErrNotFound.
func Get(ctx context.Context, s Store, path string) (*Document, error) {
	first := make(chan DocumentSnapshot, 1)
	sub := s.SubscribeDocument(path).Subscribe(func(snap DocumentSnapshot) {
		select {
		case first <- snap:
		default:
		}
	})
	defer sub.Unsubscribe()

	select {
	case snap := <-first:
		if snap.Err != nil {
			return nil, snap.Err
		}
		if snap.Doc == nil {
			return nil, fmt.Errorf("%w: %s", pkg.ErrNotFound, path)
		}
		return snap.Doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetAll runs q once and returns the first result.
func GetAll(ctx context.Context, s Store, q Query) ([]Document, error) {
	first := make(chan QuerySnapshot, 1)
	sub := s.SubscribeQuery(q).Subscribe(func(snap QuerySnapshot) {
		select {
		case first <- snap:
		default:
		}
	})
	defer sub.Unsubscribe()

	select {
	case snap := <-first:
		return snap.Docs, snap.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
