package ws

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/ratelimit"
	"github.com/akinalp/threadline/store"
)

// Feed is what a connection serves: the store, and the rules a client's
// reads and writes must follow.
//
// Write rules:
//   - users/{uid}: only uid writes its own profile
//   - {root}/{id}: the caller must be a member before and after; a DM's id
//     must match its members
//   - {root}/{id}/reads/{uid}: only uid writes its own read marker
//   - {root}/{id}/messages: appends carry authorId = caller and are rate
//     limited; createdAt is always assigned by the store
//   - {root}/{id}/messages/{mid}: only the author edits, and only body,
//     editedAt and deleted, merged
//
// Everything under {root}/{id}/ requires membership of the conversation.
// A DM's members follow from its id; a channel's are read from its
// document.
//
// Read rules: profiles and the channel directory are open to every
// connection. DM documents, the dms collection and everything under a
// conversation are limited to its members.
type Feed struct {
	Store   store.Store
	Limiter *ratelimit.Limiter
}

// editableMessageFields are the message fields an edit may touch.
var editableMessageFields = map[string]bool{
	models.FieldBody:     true,
	models.FieldEditedAt: true,
	models.FieldDeleted:  true,
}

func (f *Feed) authorizeWrite(ctx context.Context, userID, path string, fields store.Fields, merge bool) error {
	if err := store.ValidateDocumentPath(path); err != nil {
		return err
	}
	seg := strings.Split(path, "/")

	if seg[0] == models.UsersCollection {
		if seg[1] != userID {
			return fmt.Errorf("%w: profile of %s", pkg.ErrForbidden, seg[1])
		}
		return nil
	}

	kind, ok := models.KindOfRoot(seg[0])
	if !ok {
		return fmt.Errorf("%w: unknown collection %s", pkg.ErrForbidden, seg[0])
	}

	if len(seg) == 2 {
		existing, err := store.Get(ctx, f.Store, path)
		switch {
		case err == nil:
			if !slices.Contains(models.MembersOf(existing.Fields), userID) {
				return fmt.Errorf("%w: %s is not a member of %s", pkg.ErrForbidden, userID, path)
			}
		case !errors.Is(err, pkg.ErrNotFound):
			return err
		}

		c, err := models.ConversationFromDocument(kind, store.Document{Path: path, ID: seg[1], Fields: fields})
		if err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrForbidden, err)
		}
		if !c.HasMember(userID) {
			return fmt.Errorf("%w: %s is not a member of %s", pkg.ErrForbidden, userID, path)
		}
		return nil
	}

	if err := f.authorizeMember(ctx, kind, seg[1], userID); err != nil {
		return err
	}

	switch {
	case len(seg) == 4 && seg[2] == "reads":
		if seg[3] != userID {
			return fmt.Errorf("%w: read marker of %s", pkg.ErrForbidden, seg[3])
		}
		return nil

	case len(seg) == 4 && seg[2] == "messages":
		if !merge {
			return fmt.Errorf("%w: messages are edited by merging", pkg.ErrForbidden)
		}
		for k, v := range fields {
			if !editableMessageFields[k] {
				return fmt.Errorf("%w: %s of a message cannot change", pkg.ErrForbidden, k)
			}
			if k == models.FieldEditedAt && v != store.ServerTimestamp {
				return fmt.Errorf("%w: editedAt is assigned by the store", pkg.ErrForbidden)
			}
		}

		existing, err := store.Get(ctx, f.Store, path)
		if errors.Is(err, pkg.ErrNotFound) {
			return fmt.Errorf("%w: message %s", pkg.ErrNotFound, path)
		}
		if err != nil {
			return err
		}
		if existing.Fields[models.FieldAuthorID] != userID {
			return fmt.Errorf("%w: not the author of %s", pkg.ErrForbidden, path)
		}
		return nil
	}

	return fmt.Errorf("%w: %s is not writable", pkg.ErrForbidden, path)
}

// authorizeAppend checks an append and stamps createdAt on fields.
func (f *Feed) authorizeAppend(ctx context.Context, userID, collection string, fields store.Fields) error {
	if err := store.ValidateCollectionPath(collection); err != nil {
		return err
	}
	seg := strings.Split(collection, "/")

	kind, ok := models.KindOfRoot(seg[0])
	if !ok || len(seg) != 3 || seg[2] != "messages" {
		return fmt.Errorf("%w: cannot append to %s", pkg.ErrForbidden, collection)
	}
	if fields[models.FieldAuthorID] != userID {
		return fmt.Errorf("%w: authorId must be the caller", pkg.ErrForbidden)
	}
	if v, ok := fields[models.FieldCreatedAt]; ok && v != store.ServerTimestamp {
		return fmt.Errorf("%w: createdAt is assigned by the store", pkg.ErrForbidden)
	}
	if err := f.authorizeMember(ctx, kind, seg[1], userID); err != nil {
		return err
	}
	if f.Limiter != nil && !f.Limiter.Allow(userID) {
		return fmt.Errorf("%w: retry in %s", pkg.ErrRateLimited, f.Limiter.RetryAfter(userID))
	}

	fields[models.FieldCreatedAt] = store.ServerTimestamp
	return nil
}

// authorizeDocumentRead checks a document subscription.
func (f *Feed) authorizeDocumentRead(ctx context.Context, userID, path string) error {
	if err := store.ValidateDocumentPath(path); err != nil {
		return err
	}
	seg := strings.Split(path, "/")

	if seg[0] == models.UsersCollection {
		return nil
	}
	kind, ok := models.KindOfRoot(seg[0])
	if !ok {
		return fmt.Errorf("%w: unknown collection %s", pkg.ErrForbidden, seg[0])
	}
	if len(seg) == 2 && kind == models.KindChannel {
		return nil
	}
	return f.authorizeMember(ctx, kind, seg[1], userID)
}

// authorizeQuery checks a query subscription.
func (f *Feed) authorizeQuery(ctx context.Context, userID string, q store.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	seg := strings.Split(q.Collection, "/")

	if seg[0] == models.UsersCollection {
		return nil
	}
	kind, ok := models.KindOfRoot(seg[0])
	if !ok {
		return fmt.Errorf("%w: unknown collection %s", pkg.ErrForbidden, seg[0])
	}

	if len(seg) == 1 {
		if kind == models.KindChannel {
			return nil
		}
		for _, filter := range q.Filters {
			if filter.Field == models.FieldMembers && filter.Op == store.OpArrayContains && filter.Value == userID {
				return nil
			}
		}
		return fmt.Errorf("%w: %s must be filtered to the caller's conversations", pkg.ErrForbidden, q.Collection)
	}
	return f.authorizeMember(ctx, kind, seg[1], userID)
}

// authorizeMember requires userID to belong to the conversation.
func (f *Feed) authorizeMember(ctx context.Context, kind models.Kind, conversationID, userID string) error {
	if kind == models.KindDM {
		if !models.DMHasMember(conversationID, userID) {
			return fmt.Errorf("%w: %s is not a member of dm %s", pkg.ErrForbidden, userID, conversationID)
		}
		return nil
	}

	doc, err := store.Get(ctx, f.Store, kind.ConversationPath(conversationID))
	if errors.Is(err, pkg.ErrNotFound) {
		return fmt.Errorf("%w: %s %s does not exist", pkg.ErrForbidden, kind, conversationID)
	}
	if err != nil {
		return err
	}
	if !slices.Contains(models.MembersOf(doc.Fields), userID) {
		return fmt.Errorf("%w: %s is not a member of %s %s", pkg.ErrForbidden, userID, kind, conversationID)
	}
	return nil
}
