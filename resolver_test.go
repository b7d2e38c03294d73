package grove_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-grove/grove"
)

var errConnectionLost = errors.New("connection lost")

// failingExecutor serves queries from the embedded stub until failAt,
// then errors. Query ordinals are 1-based.
type failingExecutor struct {
	stubExecutor
	failAt int
}

func (e *failingExecutor) Query(ctx context.Context, sql string, args ...interface{}) ([]grove.Row, error) {
	rows, err := e.stubExecutor.Query(ctx, sql, args...)
	if err == nil && e.queryCount() >= e.failAt {
		return nil, errConnectionLost
	}
	return rows, err
}

func relatedSlice(t *testing.T, e *grove.Entity, name string) []*grove.Entity {
	t.Helper()
	value, ok := e.Relation(name)
	require.True(t, ok, "relation %s not loaded", name)
	slice, ok := value.([]*grove.Entity)
	require.True(t, ok, "relation %s is not a slice", name)
	return slice
}

func relatedOne(t *testing.T, e *grove.Entity, name string) *grove.Entity {
	t.Helper()
	value, ok := e.Relation(name)
	require.True(t, ok, "relation %s not loaded", name)
	one, ok := value.(*grove.Entity)
	require.True(t, ok, "relation %s is not a single entity", name)
	return one
}

func TestPreloadHasManyBatches(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1, "name": "ada"}, {"id": 2, "name": "grace"}, {"id": 3, "name": "joan"}},
		{
			{"id": 10, "user_id": 1, "title": "a"},
			{"id": 11, "user_id": 1, "title": "b"},
			{"id": 12, "user_id": 3, "title": "c"},
		},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("posts").Find(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)

	// one batched query regardless of parent count
	require.Equal(t, 2, stub.queryCount())
	last := stub.lastQuery()
	assert.Equal(t, "SELECT * FROM `posts` WHERE `user_id` IN (?,?,?)", last.SQL)
	assert.Equal(t, []interface{}{1, 2, 3}, last.Vars)

	assert.Len(t, relatedSlice(t, users[0], "posts"), 2)
	assert.Len(t, relatedSlice(t, users[2], "posts"), 1)

	// childless parents still count as loaded, with an empty slice
	require.True(t, users[1].RelationLoaded("posts"))
	assert.Len(t, relatedSlice(t, users[1], "posts"), 0)
}

func TestPreloadSingleParentCollapsesToEq(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 5, "name": "ada"}},
		{{"id": 10, "user_id": 5}},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("posts").Find(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, 2, stub.queryCount())

	last := stub.lastQuery()
	assert.Equal(t, "SELECT * FROM `posts` WHERE `user_id` = ?", last.SQL)
	assert.Equal(t, []interface{}{5}, last.Vars)
}

func TestPreloadNoParentsStillQueriesOnce(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{{}}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("posts").Find(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	require.Equal(t, 2, stub.queryCount())
	last := stub.lastQuery()
	assert.Equal(t, "SELECT * FROM `posts` WHERE `user_id` IN (NULL)", last.SQL)
	assert.Empty(t, last.Vars)
}

func TestPreloadHundredParentsOneBatch(t *testing.T) {
	ctx := context.Background()

	parents := make([]grove.Row, 100)
	posts := make([]grove.Row, 100)
	for i := range parents {
		parents[i] = grove.Row{"id": i + 1, "name": fmt.Sprintf("u%03d", i+1)}
		posts[i] = grove.Row{"id": 1000 + i, "user_id": i + 1}
	}
	stub := &stubExecutor{rows: [][]grove.Row{parents, posts}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("posts").Find(ctx)
	require.NoError(t, err)
	require.Len(t, users, 100)

	// the batch never splits, one related query carries all parent keys
	require.Equal(t, 2, stub.queryCount())
	last := stub.lastQuery()
	assert.True(t, strings.HasPrefix(last.SQL, "SELECT * FROM `posts` WHERE `user_id` IN ("))
	assert.Equal(t, 100, strings.Count(last.SQL, "?"))
	require.Len(t, last.Vars, 100)
	assert.Equal(t, 1, last.Vars[0])
	assert.Equal(t, 100, last.Vars[99])

	for _, user := range users {
		require.True(t, user.RelationLoaded("posts"))
		assert.Len(t, relatedSlice(t, user, "posts"), 1)
	}
}

func TestPreloadNested(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}, {"id": 2}, {"id": 3}},
		{
			{"id": 10, "user_id": 1, "title": "a"},
			{"id": 11, "user_id": 2, "title": "b"},
			{"id": 12, "user_id": 3, "title": "c"},
		},
		{
			{"id": 100, "commentable_id": 10, "commentable_type": "Post", "body": "nice"},
			{"id": 101, "commentable_id": 10, "commentable_type": "Post", "body": "thanks"},
		},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("posts.comments").Find(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)

	// depth D costs D queries, never one per parent
	require.Equal(t, 3, stub.queryCount())
	last := stub.lastQuery()
	assert.Equal(t,
		"SELECT * FROM `comments` WHERE `commentable_id` IN (?,?,?) AND `commentable_type` = ?",
		last.SQL)
	assert.Equal(t, []interface{}{10, 11, 12, "Post"}, last.Vars)

	posts := relatedSlice(t, users[0], "posts")
	require.Len(t, posts, 1)
	assert.Len(t, relatedSlice(t, posts[0], "comments"), 2)

	otherPosts := relatedSlice(t, users[1], "posts")
	require.Len(t, otherPosts, 1)
	assert.Len(t, relatedSlice(t, otherPosts[0], "comments"), 0)
}

func TestPreloadBelongsTo(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{
			{"id": 10, "user_id": 1, "title": "a"},
			{"id": 11, "user_id": 1, "title": "b"},
			{"id": 12, "user_id": 2, "title": "c"},
			{"id": 13, "user_id": nil, "title": "orphan"},
		},
		{{"id": 1, "name": "ada"}, {"id": 2, "name": "grace"}},
	}}
	db := openDB(t, stub)

	posts, err := db.Model("Post").Preload("author").Find(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 4)
	require.Equal(t, 2, stub.queryCount())

	last := stub.lastQuery()
	assert.Equal(t, "SELECT * FROM `users` WHERE `id` IN (?,?)", last.SQL)
	assert.Equal(t, []interface{}{1, 2}, last.Vars)

	assert.Equal(t, "ada", relatedOne(t, posts[0], "author").GetString("name"))
	assert.Equal(t, "ada", relatedOne(t, posts[1], "author").GetString("name"))
	assert.Equal(t, "grace", relatedOne(t, posts[2], "author").GetString("name"))

	// a nil foreign key loads a nil owner rather than leaving the
	// relation absent
	require.True(t, posts[3].RelationLoaded("author"))
	assert.Nil(t, relatedOne(t, posts[3], "author"))
}

func TestPreloadHasOne(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}, {"id": 2}},
		{{"id": 50, "user_id": 1, "bio": "hi"}},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("profile").Find(ctx)
	require.NoError(t, err)

	last := stub.lastQuery()
	assert.Equal(t, "SELECT * FROM `profiles` WHERE `user_id` IN (?,?)", last.SQL)

	assert.Equal(t, "hi", relatedOne(t, users[0], "profile").GetString("bio"))
	require.True(t, users[1].RelationLoaded("profile"))
	assert.Nil(t, relatedOne(t, users[1], "profile"))
}

func TestPreloadBelongsToManyPivot(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}, {"id": 2}},
		{
			{"id": 100, "name": "admin", "role_user_user_id": 1, "role_user_role_id": 100, "role_user_granted_by": 9},
			{"id": 100, "name": "admin", "role_user_user_id": 2, "role_user_role_id": 100, "role_user_granted_by": nil},
			{"id": 101, "name": "editor", "role_user_user_id": 1, "role_user_role_id": 101, "role_user_granted_by": 9},
		},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Preload("roles").Find(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stub.queryCount())

	last := stub.lastQuery()
	assert.Equal(t,
		"SELECT roles.*,`role_user`.`user_id` AS `role_user_user_id`,"+
			"`role_user`.`role_id` AS `role_user_role_id`,"+
			"`role_user`.`granted_by` AS `role_user_granted_by` "+
			"FROM `roles` INNER JOIN `role_user` ON `roles`.`id` = `role_user`.`role_id` "+
			"WHERE `role_user`.`user_id` IN (?,?)",
		last.SQL)
	assert.Equal(t, []interface{}{1, 2}, last.Vars)

	first := relatedSlice(t, users[0], "roles")
	require.Len(t, first, 2)
	second := relatedSlice(t, users[1], "roles")
	require.Len(t, second, 1)

	// junction columns live in the pivot map, not in the attributes
	admin := first[0]
	assert.Equal(t, "admin", admin.GetString("name"))
	assert.False(t, admin.Has("role_user_granted_by"))
	require.NotNil(t, admin.Pivot())
	assert.Equal(t, 9, admin.Pivot()["granted_by"])
	assert.Equal(t, 1, admin.Pivot()["user_id"])

	// the same role reached from another parent keeps its own pivot
	assert.Nil(t, second[0].Pivot()["granted_by"])
}

func TestPreloadMorphToMany(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 10, "user_id": 1}, {"id": 11, "user_id": 2}},
		{
			{"id": 7, "label": "go", "taggables_taggable_id": 10, "taggables_tag_id": 7, "taggables_taggable_type": "Post"},
			{"id": 8, "label": "orm", "taggables_taggable_id": 11, "taggables_tag_id": 8, "taggables_taggable_type": "Post"},
		},
	}}
	db := openDB(t, stub)

	posts, err := db.Model("Post").Preload("tags").Find(ctx)
	require.NoError(t, err)

	last := stub.lastQuery()
	assert.Equal(t,
		"SELECT tags.*,`taggables`.`taggable_id` AS `taggables_taggable_id`,"+
			"`taggables`.`tag_id` AS `taggables_tag_id`,"+
			"`taggables`.`taggable_type` AS `taggables_taggable_type` "+
			"FROM `tags` INNER JOIN `taggables` ON `tags`.`id` = `taggables`.`tag_id` "+
			"WHERE `taggables`.`taggable_id` IN (?,?) AND `taggables`.`taggable_type` = ?",
		last.SQL)
	assert.Equal(t, []interface{}{10, 11, "Post"}, last.Vars)

	tags := relatedSlice(t, posts[0], "tags")
	require.Len(t, tags, 1)
	assert.Equal(t, "go", tags[0].GetString("label"))
	assert.Equal(t, "Post", tags[0].Pivot()["taggable_type"])
}

func TestPreloadHasManyThrough(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1, "name": "nl"}, {"id": 2, "name": "uk"}},
		{
			{"id": 10, "title": "a", "__through_key": 1},
			{"id": 11, "title": "b", "__through_key": 1},
			{"id": 12, "title": "c", "__through_key": 2},
		},
	}}
	db := openDB(t, stub)

	countries, err := db.Model("Country").Preload("posts").Find(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stub.queryCount())

	last := stub.lastQuery()
	assert.Equal(t,
		"SELECT posts.*,`users`.`country_id` AS `__through_key` "+
			"FROM `posts` INNER JOIN `users` ON `posts`.`user_id` = `users`.`id` "+
			"WHERE `users`.`country_id` IN (?,?)",
		last.SQL)
	assert.Equal(t, []interface{}{1, 2}, last.Vars)

	first := relatedSlice(t, countries[0], "posts")
	require.Len(t, first, 2)
	assert.Len(t, relatedSlice(t, countries[1], "posts"), 1)

	// the grouping alias never leaks into attributes
	assert.False(t, first[0].Has("__through_key"))
	assert.Equal(t, "a", first[0].GetString("title"))
}

func TestPreloadMorphToPartitions(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{
			{"id": 1, "body": "w", "commentable_type": "Video", "commentable_id": 100},
			{"id": 2, "body": "x", "commentable_type": "Post", "commentable_id": 10},
			{"id": 3, "body": "y", "commentable_type": "Video", "commentable_id": 101},
			{"id": 4, "body": "z", "commentable_type": nil, "commentable_id": nil},
		},
		{{"id": 10, "title": "a"}},
		{{"id": 100, "url": "v1"}, {"id": 101, "url": "v2"}},
	}}
	db := openDB(t, stub)

	comments, err := db.Model("Comment").Preload("commentable").Find(ctx)
	require.NoError(t, err)
	require.Len(t, comments, 4)

	// one query per distinct target type, issued in sorted alias order
	require.Equal(t, 3, stub.queryCount())
	assert.Equal(t, "SELECT * FROM `posts` WHERE `id` = ?", stub.queries[1].SQL)
	assert.Equal(t, []interface{}{10}, stub.queries[1].Vars)
	assert.Equal(t, "SELECT * FROM `videos` WHERE `id` IN (?,?)", stub.queries[2].SQL)
	assert.Equal(t, []interface{}{100, 101}, stub.queries[2].Vars)

	assert.Equal(t, "v1", relatedOne(t, comments[0], "commentable").GetString("url"))
	assert.Equal(t, "a", relatedOne(t, comments[1], "commentable").GetString("title"))
	assert.Equal(t, "v2", relatedOne(t, comments[2], "commentable").GetString("url"))

	// a nil discriminator loads a nil target without querying
	require.True(t, comments[3].RelationLoaded("commentable"))
	assert.Nil(t, relatedOne(t, comments[3], "commentable"))
}

func TestPreloadConstraint(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}, {"id": 2}},
		{{"id": 10, "user_id": 1, "title": "a", "published": true}},
	}}
	db := openDB(t, stub)

	_, err := db.Model("User").
		Preload("posts", func(q *grove.Query) *grove.Query {
			return q.Where("published", true).Order("title")
		}).
		Find(ctx)
	require.NoError(t, err)

	last := stub.lastQuery()
	assert.Equal(t,
		"SELECT * FROM `posts` WHERE `user_id` IN (?,?) AND `published` = ? ORDER BY `title`",
		last.SQL)
	assert.Equal(t, []interface{}{1, 2, true}, last.Vars)
}

func TestPreloadBranchFailureAborts(t *testing.T) {
	ctx := context.Background()
	exec := &failingExecutor{failAt: 2}
	exec.rows = [][]grove.Row{
		{{"id": 1}, {"id": 2}},
		{{"id": 10, "user_id": 1}},
	}
	db := openDB(t, exec)

	users, err := db.Model("User").Preload("posts").Find(ctx)
	require.ErrorIs(t, err, errConnectionLost)
	assert.Contains(t, err.Error(), "posts:")
	assert.Nil(t, users)
}

func TestPreloadSiblingOrderDeterministic(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1, "country_id": 4}},
		{{"id": 4, "name": "nl"}},
		{{"id": 10, "user_id": 1}},
		{{"id": 50, "user_id": 1}},
	}}
	db := openDB(t, stub)

	// declared out of order; loads run sorted by relation name
	users, err := db.Model("User").
		Preload("profile").
		Preload("country").
		Preload("posts").
		Find(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stub.queryCount())

	assert.Contains(t, stub.queries[1].SQL, "FROM `countries`")
	assert.Contains(t, stub.queries[2].SQL, "FROM `posts`")
	assert.Contains(t, stub.queries[3].SQL, "FROM `profiles`")

	require.Len(t, users, 1)
	assert.Equal(t, "nl", relatedOne(t, users[0], "country").GetString("name"))
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}, {"id": 2}},
		{{"id": 10, "user_id": 1}},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Find(ctx)
	require.NoError(t, err)
	require.False(t, users[0].RelationLoaded("posts"))

	require.NoError(t, db.Load(ctx, users, "posts"))
	require.Equal(t, 2, stub.queryCount())
	assert.Len(t, relatedSlice(t, users[0], "posts"), 1)
	assert.Len(t, relatedSlice(t, users[1], "posts"), 0)
}

func TestLoadRejectsMixedEntities(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}},
		{{"id": 10, "user_id": 1}},
	}}
	db := openDB(t, stub)

	user, err := db.Model("User").First(ctx)
	require.NoError(t, err)
	post, err := db.Model("Post").First(ctx)
	require.NoError(t, err)

	err = db.Load(ctx, []*grove.Entity{user, post}, "posts")
	require.ErrorIs(t, err, grove.ErrInvalidPlan)
	assert.Contains(t, err.Error(), "mixed types")
}

func TestLoadMissingSkipsLoaded(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}, {"id": 2}, {"id": 3}},
		{{"id": 10, "user_id": 1}},
		{{"id": 11, "user_id": 2}},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Find(ctx)
	require.NoError(t, err)

	// seed the first parent, then fill in the rest
	require.NoError(t, db.Load(ctx, users[:1], "posts"))
	require.Equal(t, 2, stub.queryCount())

	require.NoError(t, db.LoadMissing(ctx, users, "posts"))
	require.Equal(t, 3, stub.queryCount())
	last := stub.lastQuery()
	assert.Equal(t, "SELECT * FROM `posts` WHERE `user_id` IN (?,?)", last.SQL)
	assert.Equal(t, []interface{}{2, 3}, last.Vars)

	// nothing missing, nothing queried
	require.NoError(t, db.LoadMissing(ctx, users, "posts"))
	require.Equal(t, 3, stub.queryCount())

	assert.Len(t, relatedSlice(t, users[0], "posts"), 1)
	assert.Len(t, relatedSlice(t, users[1], "posts"), 1)
	assert.Len(t, relatedSlice(t, users[2], "posts"), 0)
}

func TestLoadMissingNested(t *testing.T) {
	ctx := context.Background()
	stub := &stubExecutor{rows: [][]grove.Row{
		{{"id": 1}},
		{{"id": 10, "user_id": 1}},
		{{"id": 100, "commentable_id": 10, "commentable_type": "Post"}},
	}}
	db := openDB(t, stub)

	users, err := db.Model("User").Find(ctx)
	require.NoError(t, err)

	require.NoError(t, db.LoadMissing(ctx, users, "posts.comments"))
	require.Equal(t, 3, stub.queryCount())

	posts := relatedSlice(t, users[0], "posts")
	require.Len(t, posts, 1)
	assert.Len(t, relatedSlice(t, posts[0], "comments"), 1)
}
