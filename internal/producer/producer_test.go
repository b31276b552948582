package producer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub022/internal/accessor"
	"github.com/personium/personium-core-sub022/internal/document"
	"github.com/personium/personium-core-sub022/internal/lock"
	"github.com/personium/personium-core-sub022/internal/query"
	"github.com/personium/personium-core-sub022/internal/schema"
)

// testSchema models a small cell-management slice: boxes own roles through
// a composite navigation-target key, accounts relate to roles N:N, and a
// profile hangs off an account 1:1.
func testSchema(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	types := []*schema.EntityType{
		{
			Name:       "Box",
			Properties: []schema.Property{{Name: "Name", Type: schema.TypeString}},
			Keys:       []string{"Name"},
			NavigationProperties: []schema.NavigationProperty{
				{Name: "_Role", Target: "Role", SourceMultiplicity: schema.MultiplicityZeroOne, TargetMultiplicity: schema.MultiplicityMany},
			},
		},
		{
			Name:       "Role",
			Properties: []schema.Property{{Name: "Name", Type: schema.TypeString}},
			Keys:       []string{"Name", "_Box.Name"},
			NavigationProperties: []schema.NavigationProperty{
				{Name: "_Box", Target: "Box", SourceMultiplicity: schema.MultiplicityMany, TargetMultiplicity: schema.MultiplicityZeroOne},
				{Name: "_Account", Target: "Account", SourceMultiplicity: schema.MultiplicityMany, TargetMultiplicity: schema.MultiplicityMany},
			},
		},
		{
			Name: "Account",
			Properties: []schema.Property{
				{Name: "Name", Type: schema.TypeString},
				{Name: "Mail", Type: schema.TypeString, Nullable: true},
			},
			Keys:       []string{"Name"},
			UniqueKeys: [][]string{{"Mail"}},
			NavigationProperties: []schema.NavigationProperty{
				{Name: "_Role", Target: "Role", SourceMultiplicity: schema.MultiplicityMany, TargetMultiplicity: schema.MultiplicityMany},
				{Name: "_Profile", Target: "Profile", SourceMultiplicity: schema.MultiplicityZeroOne, TargetMultiplicity: schema.MultiplicityZeroOne},
				{Name: "_Quota", Target: "Quota", SourceMultiplicity: schema.MultiplicityOne, TargetMultiplicity: schema.MultiplicityOne},
			},
		},
		{
			Name: "Contact",
			Properties: []schema.Property{
				{Name: "Name", Type: schema.TypeString},
				{Name: "Mail", Type: schema.TypeString, Nullable: true},
				{Name: "Tel", Type: schema.TypeString, Nullable: true},
			},
			Keys:       []string{"Name"},
			UniqueKeys: [][]string{{"Mail", "Tel"}},
		},
		{
			Name:       "Profile",
			Properties: []schema.Property{{Name: "Nickname", Type: schema.TypeString}},
			Keys:       []string{"Nickname"},
			NavigationProperties: []schema.NavigationProperty{
				{Name: "_Account", Target: "Account", SourceMultiplicity: schema.MultiplicityZeroOne, TargetMultiplicity: schema.MultiplicityZeroOne},
			},
		},
		{
			Name:       "Quota",
			Properties: []schema.Property{{Name: "Name", Type: schema.TypeString}},
			Keys:       []string{"Name"},
		},
	}
	for _, et := range types {
		require.NoError(t, r.Register(et))
	}
	return r
}

func newTestProducer(t *testing.T, mutate ...func(*Config)) *Producer {
	t.Helper()
	cfg := Config{
		Scope:  document.Scope{Cell: "cell-1", Node: "node-1"},
		Store:  accessor.NewMemoryStore(),
		Locks:  lock.NewInProcess(),
		Schema: testSchema(t),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func props(kv map[string]interface{}) *Payload {
	return &Payload{Properties: kv}
}

func TestCreateEntityDuplicatePrimaryKey(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	created, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.ETag)

	_, err = p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, "Conflict.AlreadyExists", ErrorCode(err))
}

func TestUniqueKeyGroup(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice", "Mail": "a@example.com"}))
	require.NoError(t, err)

	_, err = p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "bob", "Mail": "a@example.com"}))
	require.ErrorIs(t, err, ErrAlreadyExists)

	// All-null group members never collide.
	_, err = p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "carol"}))
	require.NoError(t, err)
	_, err = p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "dave"}))
	require.NoError(t, err)
}

func TestUniqueGroupNullMemberIsPartOfIdentity(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Contact", props(map[string]interface{}{"Name": "a", "Mail": "x@example.com"}))
	require.NoError(t, err)

	// A null member counts toward the group's identity: the pair
	// (x@example.com, null) is taken whether the member is omitted or
	// explicitly null.
	_, err = p.CreateEntity(ctx, "Contact", props(map[string]interface{}{"Name": "b", "Mail": "x@example.com"}))
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = p.CreateEntity(ctx, "Contact", props(map[string]interface{}{"Name": "c", "Mail": "x@example.com", "Tel": nil}))
	require.ErrorIs(t, err, ErrAlreadyExists)

	// A filled member distinguishes the pair.
	_, err = p.CreateEntity(ctx, "Contact", props(map[string]interface{}{"Name": "d", "Mail": "x@example.com", "Tel": "555"}))
	require.NoError(t, err)

	// Bulk validation applies the same rule.
	results := p.BulkCreateEntity(ctx, "Contact", []*Payload{
		props(map[string]interface{}{"Name": "e", "Mail": "x@example.com"}),
		props(map[string]interface{}{"Name": "f", "Mail": "y@example.com"}),
	})
	require.ErrorIs(t, results[0].Err, ErrAlreadyExists)
	require.NoError(t, results[1].Err)
	assert.NotNil(t, results[1].Entity)
}

func TestOptimisticConcurrency(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	created, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	key := Key{"Name": "alice"}

	updated, err := p.UpdateEntity(ctx, "Account", key, props(map[string]interface{}{"Name": "alice", "Mail": "a@example.com"}), created.ETag, false)
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, updated.ETag)

	_, err = p.UpdateEntity(ctx, "Account", key, props(map[string]interface{}{"Name": "alice"}), created.ETag, false)
	require.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, "PreconditionFailed", ErrorCode(err))

	// "*" and an empty condition always match.
	_, err = p.UpdateEntity(ctx, "Account", key, props(map[string]interface{}{"Name": "alice"}), "*", false)
	require.NoError(t, err)
	_, err = p.UpdateEntity(ctx, "Account", key, props(map[string]interface{}{"Name": "alice"}), "", false)
	require.NoError(t, err)
}

func TestMergePreservesAbsentFields(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{
		"Name": "alice", "Mail": "a@example.com", "locale": "ja",
	}))
	require.NoError(t, err)
	key := Key{"Name": "alice"}

	merged, err := p.UpdateEntity(ctx, "Account", key, props(map[string]interface{}{"Name": "alice"}), "", true)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", merged.Properties["Mail"])
	assert.Equal(t, "ja", merged.Properties["locale"])

	replaced, err := p.UpdateEntity(ctx, "Account", key, props(map[string]interface{}{"Name": "alice"}), "", false)
	require.NoError(t, err)
	_, present := replaced.Properties["Mail"]
	assert.False(t, present, "replace mode must drop absent declared fields")
	// Open-type fields survive both modes.
	assert.Equal(t, "ja", replaced.Properties["locale"])
}

func TestHiddenFieldsSurviveUpdate(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", &Payload{
		Properties: map[string]interface{}{"Name": "alice"},
		Hidden:     map[string]interface{}{"HashedCredential": "xxhash"},
	})
	require.NoError(t, err)

	_, err = p.UpdateEntity(ctx, "Account", Key{"Name": "alice"}, props(map[string]interface{}{"Name": "alice"}), "", false)
	require.NoError(t, err)

	doc, err := p.fetchByKey(ctx, mustType(t, p, "Account"), Key{"Name": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "xxhash", doc.Hidden["HashedCredential"])
}

func mustType(t *testing.T, p *Producer, name string) *schema.EntityType {
	t.Helper()
	et, err := p.entityType(name)
	require.NoError(t, err)
	return et
}

func TestDeleteIsIdempotent(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)

	require.NoError(t, p.DeleteEntity(ctx, "Account", Key{"Name": "alice"}, ""))
	require.NoError(t, p.DeleteEntity(ctx, "Account", Key{"Name": "alice"}, ""))
}

func TestDeleteStaleETag(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	created, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	_, err = p.UpdateEntity(ctx, "Account", Key{"Name": "alice"}, props(map[string]interface{}{"Name": "alice"}), "", false)
	require.NoError(t, err)

	err = p.DeleteEntity(ctx, "Account", Key{"Name": "alice"}, created.ETag)
	require.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestDeleteWithDependentsRefused(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)
	_, err = p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "box1"}))
	require.NoError(t, err)

	err = p.DeleteEntity(ctx, "Box", Key{"Name": "box1"}, "")
	require.ErrorIs(t, err, ErrHasRelated)
	assert.Equal(t, "Conflict.HasRelated", ErrorCode(err))

	require.NoError(t, p.DeleteEntity(ctx, "Role", Key{"Name": "admin", "_Box.Name": "box1"}, ""))
	require.NoError(t, p.DeleteEntity(ctx, "Box", Key{"Name": "box1"}, ""))
}

func TestCompositeKeyRoundTrip(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)

	created, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "box1"}))
	require.NoError(t, err)

	fetched, err := p.GetEntity(ctx, "Role", Key{"Name": "admin", "_Box.Name": "box1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "box1", fetched.Properties["_Box.Name"], "display value follows the link")

	// Same role name under a different box is a distinct entity.
	_, err = p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box2"}))
	require.NoError(t, err)
	other, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "box2"}))
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func TestCompositeKeyUnresolvedReference(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "no-such-box"}))
	require.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Equal(t, "BadRequest.UnresolvedReference", ErrorCode(err))
	assert.Contains(t, err.Error(), "_Box.Name")
}

func TestCompositeKeyDummySentinel(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	created, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "guest", "_Box.Name": "dummy"}))
	require.NoError(t, err)
	assert.Empty(t, created.Links, "dummy sentinel must not set a link")

	// An omitted navigation segment defaults to the sentinel and matches
	// the unlinked row.
	fetched, err := p.GetEntity(ctx, "Role", Key{"Name": "guest"}, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	// A second unlinked role with the same name collides.
	_, err = p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "guest", "_Box.Name": "dummy"}))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManyToManyLinkSymmetry(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	account, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	role, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "dummy"}))
	require.NoError(t, err)

	tag, err := p.CreateLink(ctx, "Account", account.ID, "_Role", role.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, tag)

	refs, err := p.GetLinks(ctx, "Role", role.ID, "_Account")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, account.ID, refs[0].ID)
	assert.Equal(t, "Account", refs[0].EntitySet)

	// Registering the same pair again conflicts, from either direction.
	_, err = p.CreateLink(ctx, "Account", account.ID, "_Role", role.ID)
	require.ErrorIs(t, err, ErrLinkAlreadyExists)
	_, err = p.CreateLink(ctx, "Role", role.ID, "_Account", account.ID)
	require.ErrorIs(t, err, ErrLinkAlreadyExists)

	// Deleting from the opposite direction removes the edge for both.
	require.NoError(t, p.DeleteLink(ctx, "Role", role.ID, "_Account", account.ID))
	refs, err = p.GetLinks(ctx, "Account", account.ID, "_Role")
	require.NoError(t, err)
	assert.Empty(t, refs)
	refs, err = p.GetLinks(ctx, "Role", role.ID, "_Account")
	require.NoError(t, err)
	assert.Empty(t, refs)

	err = p.DeleteLink(ctx, "Role", role.ID, "_Account", account.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManyToManyLinkCap(t *testing.T) {
	p := newTestProducer(t, func(cfg *Config) { cfg.MaxNNLinks = 2 })
	ctx := context.Background()

	account, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)

	for i, name := range []string{"r1", "r2"} {
		role, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": name, "_Box.Name": "dummy"}))
		require.NoError(t, err)
		_, err = p.CreateLink(ctx, "Account", account.ID, "_Role", role.ID)
		require.NoError(t, err, "link %d within cap", i)
	}

	role, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "r3", "_Box.Name": "dummy"}))
	require.NoError(t, err)
	_, err = p.CreateLink(ctx, "Account", account.ID, "_Role", role.ID)
	require.ErrorIs(t, err, ErrLinkUpperLimitExceeded)
	assert.Equal(t, "Conflict.LinkUpperLimitExceeded", ErrorCode(err))

	n, err := p.GetLinksCount(ctx, "Account", account.ID, "_Role")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestManyToOneLink(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	box, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)
	role, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "dummy"}))
	require.NoError(t, err)

	_, err = p.CreateLink(ctx, "Role", role.ID, "_Box", box.ID)
	require.NoError(t, err)

	// The slot is single valued.
	box2, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box2"}))
	require.NoError(t, err)
	_, err = p.CreateLink(ctx, "Role", role.ID, "_Box", box2.ID)
	require.ErrorIs(t, err, ErrLinkAlreadyExists)

	// The role is now addressable by its box-qualified key.
	fetched, err := p.GetEntity(ctx, "Role", Key{"Name": "admin", "_Box.Name": "box1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, role.ID, fetched.ID)

	// Unlinking the wrong target is NotFound; the right one succeeds.
	require.ErrorIs(t, p.DeleteLink(ctx, "Role", role.ID, "_Box", box2.ID), ErrNotFound)
	require.NoError(t, p.DeleteLink(ctx, "Role", role.ID, "_Box", box.ID))

	n, err := p.GetLinksCount(ctx, "Role", role.ID, "_Box")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnlinkRecheckExposesKeyCollision(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	// An unlinked "admin" already exists; unlinking the boxed one would
	// produce two identical keys.
	_, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "dummy"}))
	require.NoError(t, err)
	box, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)
	boxed, err := p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "box1"}))
	require.NoError(t, err)

	err = p.DeleteLink(ctx, "Role", boxed.ID, "_Box", box.ID)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// The link must still be in place after the refused unlink.
	fetched, err := p.GetEntity(ctx, "Role", Key{"Name": "admin", "_Box.Name": "box1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, boxed.ID, fetched.ID)
}

func TestOneToOneLink(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	account, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	profile, err := p.CreateEntity(ctx, "Profile", props(map[string]interface{}{"Nickname": "ally"}))
	require.NoError(t, err)

	_, err = p.CreateLink(ctx, "Account", account.ID, "_Profile", profile.ID)
	require.NoError(t, err)

	n, err := p.GetLinksCount(ctx, "Account", account.ID, "_Profile")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = p.GetLinksCount(ctx, "Profile", profile.ID, "_Account")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Either occupied side refuses another pairing.
	profile2, err := p.CreateEntity(ctx, "Profile", props(map[string]interface{}{"Nickname": "spare"}))
	require.NoError(t, err)
	_, err = p.CreateLink(ctx, "Account", account.ID, "_Profile", profile2.ID)
	require.ErrorIs(t, err, ErrLinkAlreadyExists)

	// Deleting the pair clears both documents.
	require.NoError(t, p.DeleteLink(ctx, "Account", account.ID, "_Profile", profile.ID))
	n, err = p.GetLinksCount(ctx, "Account", account.ID, "_Profile")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = p.GetLinksCount(ctx, "Profile", profile.ID, "_Account")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOneToOneBothMandatoryRefused(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	account, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	quota, err := p.CreateEntity(ctx, "Quota", props(map[string]interface{}{"Name": "default"}))
	require.NoError(t, err)

	_, err = p.CreateLink(ctx, "Account", account.ID, "_Quota", quota.ID)
	require.ErrorIs(t, err, ErrInvalidMultiplicity)
	assert.Equal(t, "Conflict.InvalidMultiplicity", ErrorCode(err))
}

func TestCreateNavProperty(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)

	role, err := p.CreateNavProperty(ctx, "Box", Key{"Name": "box1"}, "_Role", props(map[string]interface{}{"Name": "viewer"}))
	require.NoError(t, err)
	assert.NotEmpty(t, role.Links["Box"], "created entity carries the link from birth")

	entities, _, err := p.GetNavProperty(ctx, "Box", Key{"Name": "box1"}, "_Role", nil)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, role.ID, entities[0].ID)

	// The mandatory 1:1 pair is creatable through the navigation property
	// even though linking two existing entities is not.
	account, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	quota, err := p.CreateNavProperty(ctx, "Account", Key{"Name": "alice"}, "_Quota", props(map[string]interface{}{"Name": "default"}))
	require.NoError(t, err)

	refs, err := p.GetLinks(ctx, "Account", account.ID, "_Quota")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, quota.ID, refs[0].ID)
}

func TestGetNavPropertyManySideOrder(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := p.CreateNavProperty(ctx, "Box", Key{"Name": "box1"}, "_Role", props(map[string]interface{}{"Name": name}))
		require.NoError(t, err)
	}

	entities, total, err := p.GetNavProperty(ctx, "Box", Key{"Name": "box1"}, "_Role", &query.Options{InlineCount: true})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, entities, 3)
	assert.Equal(t, "alpha", entities[0].Properties["Name"])
	assert.Equal(t, "bravo", entities[1].Properties["Name"])
	assert.Equal(t, "charlie", entities[2].Properties["Name"])
}

func TestGetEntitiesPagingAndInlineCount(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": name}))
		require.NoError(t, err)
	}

	entities, total, err := p.GetEntities(ctx, "Account", &query.Options{Top: 2, InlineCount: true})
	require.NoError(t, err)
	assert.Len(t, entities, 2)
	assert.EqualValues(t, 3, total)

	entities, total, err = p.GetEntities(ctx, "Account", &query.Options{Top: 2})
	require.NoError(t, err)
	assert.Len(t, entities, 2)
	assert.EqualValues(t, -1, total, "no inlinecount means no total")

	entities, _, err = p.GetEntities(ctx, "Account", &query.Options{Filter: map[string]interface{}{"Name": "bob"}})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "bob", entities[0].Properties["Name"])

	n, err := p.CountEntities(ctx, "Account", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestGetEntityExpandAndSelect(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	box, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)
	_, err = p.CreateEntity(ctx, "Role", props(map[string]interface{}{"Name": "admin", "_Box.Name": "box1"}))
	require.NoError(t, err)

	fetched, err := p.GetEntity(ctx, "Role", Key{"Name": "admin", "_Box.Name": "box1"}, &query.Options{Expand: []string{"_Box"}})
	require.NoError(t, err)
	require.Contains(t, fetched.Expanded, "_Box")
	require.Len(t, fetched.Expanded["_Box"], 1)
	assert.Equal(t, box.ID, fetched.Expanded["_Box"][0].ID)

	selected, err := p.GetEntity(ctx, "Role", Key{"Name": "admin", "_Box.Name": "box1"}, &query.Options{Select: []string{"Name"}})
	require.NoError(t, err)
	assert.Equal(t, "admin", selected.Properties["Name"])
	_, present := selected.Properties["_Box.Name"]
	assert.False(t, present, "unselected display property must be omitted")
}

func TestBulkCreateEntityPartialFailure(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)

	results := p.BulkCreateEntity(ctx, "Account", []*Payload{
		props(map[string]interface{}{"Name": "bob"}),
		props(map[string]interface{}{"Name": "alice"}),
		props(map[string]interface{}{"Name": "carol"}),
	})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, ErrAlreadyExists)
	require.NoError(t, results[2].Err)
	assert.NotEmpty(t, results[0].Entity.ETag)
	assert.NotEmpty(t, results[2].Entity.ETag)

	// Surviving rows are independently retrievable.
	for _, name := range []string{"bob", "carol"} {
		_, err := p.GetEntity(ctx, "Account", Key{"Name": name}, nil)
		require.NoError(t, err, "row %s", name)
	}
}

func TestBulkCreateEntityIntraBatchDuplicate(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	results := p.BulkCreateEntity(ctx, "Account", []*Payload{
		props(map[string]interface{}{"Name": "dave"}),
		props(map[string]interface{}{"Name": "dave"}),
	})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, ErrAlreadyExists)
}

func TestBulkCreateViaNavigationProperty(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Box", props(map[string]interface{}{"Name": "box1"}))
	require.NoError(t, err)

	key := Key{"Name": "box1"}
	results := p.BulkCreateEntityViaNavigationProperty(ctx, "Box", []NavigationBulkRow{
		{SourceKey: key, NavProp: "_Role", Payload: props(map[string]interface{}{"Name": "r1"})},
		{SourceKey: key, NavProp: "_Role", Payload: props(map[string]interface{}{"Name": "r1"})},
		{SourceKey: key, NavProp: "_Role", Payload: props(map[string]interface{}{"Name": "r2"})},
	})
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, ErrAlreadyExists)
	require.NoError(t, results[2].Err)

	entities, _, err := p.GetNavProperty(ctx, "Box", key, "_Role", nil)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestBulkCreateViaNavigationPropertyIntraBatchSlotConflict(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	account, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)

	// Two rows of the same batch claim the account's single profile slot;
	// the second must fail against its sibling, not just against the store.
	key := Key{"Name": "alice"}
	results := p.BulkCreateEntityViaNavigationProperty(ctx, "Account", []NavigationBulkRow{
		{SourceKey: key, NavProp: "_Profile", Payload: props(map[string]interface{}{"Nickname": "first"})},
		{SourceKey: key, NavProp: "_Profile", Payload: props(map[string]interface{}{"Nickname": "second"})},
	})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, ErrLinkAlreadyExists)

	refs, err := p.GetLinks(ctx, "Account", account.ID, "_Profile")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, results[0].Entity.ID, refs[0].ID)
}

func TestBulkCreateViaNavigationPropertyManyToManyCap(t *testing.T) {
	p := newTestProducer(t, func(cfg *Config) { cfg.MaxNNLinks = 2 })
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)

	key := Key{"Name": "alice"}
	results := p.BulkCreateEntityViaNavigationProperty(ctx, "Account", []NavigationBulkRow{
		{SourceKey: key, NavProp: "_Role", Payload: props(map[string]interface{}{"Name": "r1", "_Box.Name": "dummy"})},
		{SourceKey: key, NavProp: "_Role", Payload: props(map[string]interface{}{"Name": "r2", "_Box.Name": "dummy"})},
		{SourceKey: key, NavProp: "_Role", Payload: props(map[string]interface{}{"Name": "r3", "_Box.Name": "dummy"})},
	})
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	require.ErrorIs(t, results[2].Err, ErrLinkUpperLimitExceeded)
}

func TestHooks(t *testing.T) {
	boom := assert.AnError
	var afterCalls int
	p := newTestProducer(t, func(cfg *Config) {
		cfg.Hooks = Hooks{
			BeforeCreate: func(_ context.Context, doc *document.Document) error {
				if doc.Static["Name"] == "blocked" {
					return boom
				}
				return nil
			},
			AfterCreate: func(context.Context, *document.Document) error {
				afterCalls++
				return assert.AnError // ignored, only logged
			},
		}
	})
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "blocked"}))
	require.ErrorIs(t, err, boom)
	_, err = p.GetEntity(ctx, "Account", Key{"Name": "blocked"}, nil)
	require.ErrorIs(t, err, ErrNotFound, "aborted create must not persist")

	_, err = p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "ok"}))
	require.NoError(t, err)
	assert.Equal(t, 1, afterCalls)
}

func TestScopeIsolation(t *testing.T) {
	store := accessor.NewMemoryStore()
	locks := lock.NewInProcess()

	newScoped := func(t *testing.T, cell string) *Producer {
		return newTestProducer(t, func(cfg *Config) {
			cfg.Scope = document.Scope{Cell: cell, Node: "node-1"}
			cfg.Store = store
			cfg.Locks = locks
		})
	}
	p1 := newScoped(t, "cell-1")
	p2 := newScoped(t, "cell-2")
	ctx := context.Background()

	_, err := p1.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)

	// The same key is free in the other scope, and invisible from it.
	_, err = p2.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	entities, _, err := p2.GetEntities(ctx, "Account", nil)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestUpdateSkipsUniquenessWhenKeyUnchanged(t *testing.T) {
	p := newTestProducer(t)
	ctx := context.Background()

	_, err := p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "alice"}))
	require.NoError(t, err)
	_, err = p.CreateEntity(ctx, "Account", props(map[string]interface{}{"Name": "bob"}))
	require.NoError(t, err)

	// Renaming onto an occupied key conflicts; keeping the key does not.
	_, err = p.UpdateEntity(ctx, "Account", Key{"Name": "alice"}, props(map[string]interface{}{"Name": "bob"}), "", false)
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = p.UpdateEntity(ctx, "Account", Key{"Name": "alice"}, props(map[string]interface{}{"Name": "alice", "Mail": "a@example.com"}), "", false)
	require.NoError(t, err)
}
