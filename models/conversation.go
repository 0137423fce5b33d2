package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/store"
)

// Kind tags a conversation as a channel or a direct message thread.
type Kind string

const (
	KindChannel Kind = "channel"
	KindDM      Kind = "dm"
)

// Document field names shared by every conversation kind.
const (
	FieldMembers    = "members"
	FieldName       = "name"
	FieldCreatedAt  = "createdAt"
	FieldAuthorID   = "authorId"
	FieldBody       = "body"
	FieldEditedAt   = "editedAt"
	FieldDeleted    = "deleted"
	FieldReactions  = "reactions"
	FieldLastReadAt = "lastReadAt"
	FieldDisplay    = "displayName"
)

// EveryoneChannel is the channel every list pins to the top.
const EveryoneChannel = "everyone"

// kindInfo is the per-kind data. Kinds differ only in this table, never in
// behavior.
type kindInfo struct {
	root  string // top level collection
	named bool   // conversations carry a display name
}

var kinds = map[Kind]kindInfo{
	KindChannel: {root: "channels", named: true},
	KindDM:      {root: "dms", named: false},
}

// KindOfRoot maps a top level collection back to its Kind.
func KindOfRoot(root string) (Kind, bool) {
	for k, info := range kinds {
		if info.root == root {
			return k, true
		}
	}
	return "", false
}

// Root is the top level collection holding conversations of this kind.
func (k Kind) Root() string {
	return kinds[k].root
}

// Named reports whether conversations of this kind have a display name.
func (k Kind) Named() bool {
	return kinds[k].named
}

// ConversationPath is the path of the conversation document.
func (k Kind) ConversationPath(id string) string {
	return store.Join(k.Root(), id)
}

// MessagesCollection is the collection holding the conversation's messages.
func (k Kind) MessagesCollection(id string) string {
	return store.Join(k.Root(), id, "messages")
}

// ReadMarkerPath is the path of userID's read marker in the conversation.
func (k Kind) ReadMarkerPath(id, userID string) string {
	return store.Join(k.Root(), id, "reads", userID)
}

// Conversation is a channel or a DM thread.
type Conversation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Members   []string  `json:"members"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DMID derives the id of the DM thread between a and b: the smaller id,
// a dash, the larger one. DMID(a, b) == DMID(b, a) and a self-DM is "a-a".
func DMID(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: dm member id is empty", pkg.ErrInvariant)
	}
	if b < a {
		a, b = b, a
	}
	return a + "-" + b, nil
}

// DMHasMember reports whether userID is one of the two members the DM id
// was derived from.
func DMHasMember(id, userID string) bool {
	if other, ok := strings.CutPrefix(id, userID+"-"); ok && other != "" && other >= userID {
		return true
	}
	if other, ok := strings.CutSuffix(id, "-"+userID); ok && other != "" && other <= userID {
		return true
	}
	return false
}

// NewDM builds the DM conversation between a and b.
func NewDM(a, b string) (Conversation, error) {
	id, err := DMID(a, b)
	if err != nil {
		return Conversation{}, err
	}
	members := []string{a, b}
	if a == b {
		members = []string{a}
	}
	slices.Sort(members)
	return Conversation{ID: id, Kind: KindDM, Members: members}, nil
}

// Validate checks the invariants of a stored conversation. A DM's id must
// equal the id derived from its members.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: conversation id is empty", pkg.ErrInvariant)
	}
	if _, ok := kinds[c.Kind]; !ok {
		return fmt.Errorf("%w: conversation %s has unknown kind %q", pkg.ErrInvariant, c.ID, c.Kind)
	}

	if c.Kind != KindDM {
		return nil
	}

	var a, b string
	switch len(c.Members) {
	case 1:
		a, b = c.Members[0], c.Members[0]
	case 2:
		a, b = c.Members[0], c.Members[1]
	default:
		return fmt.Errorf("%w: dm %s has %d members", pkg.ErrInvariant, c.ID, len(c.Members))
	}

	want, err := DMID(a, b)
	if err != nil {
		return err
	}
	if c.ID != want {
		return fmt.Errorf("%w: dm id %s does not match members (want %s)", pkg.ErrInvariant, c.ID, want)
	}
	return nil
}

// HasMember reports whether userID belongs to the conversation.
func (c Conversation) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// Fields is the document form of the conversation.
func (c Conversation) Fields() store.Fields {
	f := store.Fields{
		FieldMembers:   stringsToAny(c.Members),
		FieldCreatedAt: store.ServerTimestamp,
	}
	if c.Kind.Named() {
		f[FieldName] = c.Name
	}
	return f
}

// ConversationFromDocument decodes a conversation document of kind.
func ConversationFromDocument(kind Kind, doc store.Document) (Conversation, error) {
	c := Conversation{
		ID:      doc.ID,
		Kind:    kind,
		Members: stringList(doc.Fields[FieldMembers]),
	}
	if kind.Named() {
		c.Name, _ = doc.Fields[FieldName].(string)
	}
	if t, ok := doc.Fields[FieldCreatedAt].(time.Time); ok {
		c.CreatedAt = t
	} else {
		c.CreatedAt = doc.CreateTime
	}
	return c, c.Validate()
}

// CreateChannelRequest is the input of channel creation.
type CreateChannelRequest struct {
	Name    string
	Members []string
}

// Validate trims and checks the request.
func (r *CreateChannelRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	n := utf8.RuneCountInString(r.Name)
	if n < 1 || n > 100 {
		return fmt.Errorf("%w: channel name must be between 1 and 100 characters", pkg.ErrBadRequest)
	}
	if len(r.Members) == 0 {
		return fmt.Errorf("%w: channel needs at least one member", pkg.ErrBadRequest)
	}
	for _, m := range r.Members {
		if m == "" {
			return fmt.Errorf("%w: empty member id", pkg.ErrBadRequest)
		}
	}
	return nil
}

// MembersOf reads the member list of a conversation document.
func MembersOf(fields store.Fields) []string {
	return stringList(fields[FieldMembers])
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return slices.Clone(x)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
