package grove

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-grove/grove/clause"
	"github.com/go-grove/grove/schema"
	"github.com/go-grove/grove/utils"
)

// throughKey aliases the owner-side key of a through join so grouping
// never collides with a column of the related table.
const throughKey = "__through_key"

// eagerLoadNode is one segment of the eager-load tree. Nodes are built
// once per request from the plan's dot paths and shared across all
// parents at that depth.
type eagerLoadNode struct {
	name       string
	constraint func(*Query) *Query
	children   map[string]*eagerLoadNode
}

// buildEagerLoadTree expands dot paths into a tree, every prefix of a
// path becomes a node. A path's constraint attaches to its final
// segment.
func buildEagerLoadTree(preloads []preload) map[string]*eagerLoadNode {
	root := map[string]*eagerLoadNode{}
	for _, p := range preloads {
		nodes := root
		segments := strings.Split(p.path, ".")
		for idx, segment := range segments {
			node, ok := nodes[segment]
			if !ok {
				node = &eagerLoadNode{name: segment, children: map[string]*eagerLoadNode{}}
				nodes[segment] = node
			}
			if idx == len(segments)-1 && p.constraint != nil {
				node.constraint = p.constraint
			}
			nodes = node.children
		}
	}
	return root
}

// loadPreloads resolves the plan's eager-load paths onto freshly
// hydrated entities. Each tree level costs one query per relation
// segment regardless of how many parents it serves; an error in any
// branch aborts the whole request.
func (db *DB) loadPreloads(ctx context.Context, q *Query, entities []*Entity) error {
	if len(q.preloads) == 0 {
		return nil
	}
	return db.loadLevel(ctx, q.entity, entities, buildEagerLoadTree(q.preloads))
}

// Load eager loads relation paths onto already hydrated entities of one
// type. Relations already present are replaced.
func (db *DB) Load(ctx context.Context, entities []*Entity, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	entity, err := sharedEntityName(entities)
	if err != nil {
		return err
	}
	if entity == "" {
		return nil
	}

	q := db.Model(entity)
	for _, path := range paths {
		q = q.Preload(path)
	}
	if q.err != nil {
		return q.err
	}
	return db.loadPreloads(ctx, q, entities)
}

// LoadMissing walks each path segment by segment and loads it only for
// the entities that do not have it yet. Already loaded branches are
// left untouched.
func (db *DB) LoadMissing(ctx context.Context, entities []*Entity, paths ...string) error {
	for _, path := range paths {
		if path == "" {
			return fmt.Errorf("%w: empty preload path", ErrInvalidPlan)
		}
		if err := db.loadMissingPath(ctx, entities, strings.Split(path, ".")); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) loadMissingPath(ctx context.Context, entities []*Entity, segments []string) error {
	if len(entities) == 0 || len(segments) == 0 {
		return nil
	}

	name := segments[0]
	missing := make([]*Entity, 0, len(entities))
	for _, entity := range entities {
		if entity != nil && !entity.RelationLoaded(name) {
			missing = append(missing, entity)
		}
	}
	if len(missing) > 0 {
		if err := db.Load(ctx, missing, name); err != nil {
			return err
		}
	}
	if len(segments) == 1 {
		return nil
	}

	children := make([]*Entity, 0, len(entities))
	for _, entity := range entities {
		if entity == nil {
			continue
		}
		value, _ := entity.Relation(name)
		switch rel := value.(type) {
		case *Entity:
			if rel != nil {
				children = append(children, rel)
			}
		case []*Entity:
			children = append(children, rel...)
		}
	}
	return db.loadMissingPath(ctx, children, segments[1:])
}

// loadLevel loads every relation node of one tree level, then recurses
// into child nodes with the loaded entities as the new parents. Nodes
// run in sorted name order so the statement sequence is deterministic.
func (db *DB) loadLevel(ctx context.Context, entity string, parents []*Entity, nodes map[string]*eagerLoadNode) error {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := nodes[name]
		rel, err := db.registry.Relation(entity, name)
		if err != nil {
			return err
		}

		children, err := db.loadRelation(ctx, entity, rel, node, parents)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if len(node.children) > 0 {
			if err := db.loadLevel(ctx, rel.Related, children, node.children); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadRelation dispatches one relation node on its kind and returns
// every entity it hydrated.
func (db *DB) loadRelation(ctx context.Context, entity string, rel *schema.RelationshipDefinition, node *eagerLoadNode, parents []*Entity) ([]*Entity, error) {
	switch rel.Kind {
	case schema.HasOne, schema.HasMany:
		return db.loadHas(ctx, rel, node, parents, "")
	case schema.BelongsTo:
		return db.loadBelongsTo(ctx, rel, node, parents)
	case schema.BelongsToMany:
		return db.loadManyToMany(ctx, rel, node, parents, "")
	case schema.HasOneThrough, schema.HasManyThrough:
		return db.loadThrough(ctx, rel, node, parents)
	case schema.MorphOne, schema.MorphMany:
		owner, err := db.registry.Resolve(entity)
		if err != nil {
			return nil, err
		}
		return db.loadHas(ctx, rel, node, parents, owner.MorphAlias)
	case schema.MorphToMany:
		owner, err := db.registry.Resolve(entity)
		if err != nil {
			return nil, err
		}
		return db.loadManyToMany(ctx, rel, node, parents, owner.MorphAlias)
	case schema.MorphTo:
		return db.loadMorphTo(ctx, rel, node, parents)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRelation, rel.Kind)
	}
}

// loadHas covers has_one/has_many and, with a morph alias, their
// polymorphic counterparts. One IN query over the parents' local keys.
func (db *DB) loadHas(ctx context.Context, rel *schema.RelationshipDefinition, node *eagerLoadNode, parents []*Entity, morphAlias string) ([]*Entity, error) {
	foreignKey := rel.ForeignKey
	if morphAlias != "" {
		foreignKey = rel.IDColumn
	}

	plan := db.Model(rel.Related).WhereIn(foreignKey, distinctKeys(parents, rel.LocalKey)...)
	if morphAlias != "" {
		plan = plan.Where(rel.TypeColumn, morphAlias)
	}
	plan, err := constrain(plan, node.constraint)
	if err != nil {
		return nil, err
	}

	children, err := db.fetchRelated(ctx, rel.Related, plan)
	if err != nil {
		return nil, err
	}

	attach(parents, node.name, rel.LocalKey, groupByAttribute(children, foreignKey), rel.Kind.Many())
	return children, nil
}

// loadBelongsTo inverts the key direction: the foreign key lives on the
// parents and the related side is matched on its owner key.
func (db *DB) loadBelongsTo(ctx context.Context, rel *schema.RelationshipDefinition, node *eagerLoadNode, parents []*Entity) ([]*Entity, error) {
	plan := db.Model(rel.Related).WhereIn(rel.OwnerKey, distinctKeys(parents, rel.ForeignKey)...)
	plan, err := constrain(plan, node.constraint)
	if err != nil {
		return nil, err
	}

	children, err := db.fetchRelated(ctx, rel.Related, plan)
	if err != nil {
		return nil, err
	}

	attach(parents, node.name, rel.ForeignKey, groupByAttribute(children, rel.OwnerKey), false)
	return children, nil
}

// loadManyToMany covers belongs_to_many and, with a morph alias,
// morph_to_many. One query joins the junction table and carries its
// columns along under "<pivot>_<column>" aliases; those land in each
// child's pivot map, never in its attributes.
func (db *DB) loadManyToMany(ctx context.Context, rel *schema.RelationshipDefinition, node *eagerLoadNode, parents []*Entity, morphAlias string) ([]*Entity, error) {
	related, err := db.registry.Resolve(rel.Related)
	if err != nil {
		return nil, err
	}

	pivotColumns := []string{rel.ForeignPivotKey, rel.RelatedPivotKey}
	if morphAlias != "" {
		pivotColumns = append(pivotColumns, rel.TypeColumn)
	}
	pivotColumns = append(pivotColumns, rel.PivotColumns...)

	columns := make([]clause.Column, 0, len(pivotColumns)+1)
	columns = append(columns, clause.Column{Table: related.Table, Name: "*", Raw: true})
	for _, column := range pivotColumns {
		columns = append(columns, clause.Column{
			Table: rel.PivotTable,
			Name:  column,
			Alias: rel.PivotTable + "_" + column,
		})
	}

	plan := db.Model(rel.Related).
		addClause(clause.Select{Columns: columns}).
		Join(rel.PivotTable, related.Table+"."+rel.OwnerKey, "=", rel.PivotTable+"."+rel.RelatedPivotKey).
		WhereIn(rel.PivotTable+"."+rel.ForeignPivotKey, distinctKeys(parents, rel.LocalKey)...)
	if morphAlias != "" {
		plan = plan.Where(rel.PivotTable+"."+rel.TypeColumn, morphAlias)
	}
	plan, err = constrain(plan, node.constraint)
	if err != nil {
		return nil, err
	}

	rows, err := plan.fetch(ctx)
	if err != nil {
		return nil, err
	}

	pivots := make([]Row, len(rows))
	for idx, row := range rows {
		pivots[idx] = extractPivot(row, rel.PivotTable, pivotColumns)
	}

	children := hydrate(rel.Related, related, rows)
	groups := map[string][]*Entity{}
	for idx, child := range children {
		child.setPivot(pivots[idx])
		if owner := pivots[idx][rel.ForeignPivotKey]; owner != nil {
			key := utils.ToStringKey(owner)
			groups[key] = append(groups[key], child)
		}
	}

	attach(parents, node.name, rel.LocalKey, groups, true)
	return children, nil
}

// loadThrough covers has_one_through/has_many_through. The related
// table joins its intermediate so one query reaches across; the owner
// side key of the through table travels under an alias for grouping.
func (db *DB) loadThrough(ctx context.Context, rel *schema.RelationshipDefinition, node *eagerLoadNode, parents []*Entity) ([]*Entity, error) {
	related, err := db.registry.Resolve(rel.Related)
	if err != nil {
		return nil, err
	}
	through, err := db.registry.Resolve(rel.Through)
	if err != nil {
		return nil, err
	}

	columns := []clause.Column{
		{Table: related.Table, Name: "*", Raw: true},
		{Table: through.Table, Name: rel.FirstKey, Alias: throughKey},
	}

	plan := db.Model(rel.Related).
		addClause(clause.Select{Columns: columns}).
		Join(through.Table, related.Table+"."+rel.SecondKey, "=", through.Table+"."+through.PrimaryKey).
		WhereIn(through.Table+"."+rel.FirstKey, distinctKeys(parents, rel.LocalKey)...)
	plan, err = constrain(plan, node.constraint)
	if err != nil {
		return nil, err
	}

	rows, err := plan.fetch(ctx)
	if err != nil {
		return nil, err
	}

	owners := make([]interface{}, len(rows))
	for idx, row := range rows {
		owners[idx] = row[throughKey]
		delete(row, throughKey)
	}

	children := hydrate(rel.Related, related, rows)
	groups := map[string][]*Entity{}
	for idx, child := range children {
		if owners[idx] != nil {
			key := utils.ToStringKey(owners[idx])
			groups[key] = append(groups[key], child)
		}
	}

	attach(parents, node.name, rel.LocalKey, groups, rel.Kind.Many())
	return children, nil
}

// loadMorphTo partitions the parents by their discriminator value and
// resolves each distinct target type with its own query, so k types
// cost k queries no matter how many parents point at them.
func (db *DB) loadMorphTo(ctx context.Context, rel *schema.RelationshipDefinition, node *eagerLoadNode, parents []*Entity) ([]*Entity, error) {
	var aliases []string
	groups := map[string][]*Entity{}
	for _, parent := range parents {
		typeValue := parent.Get(rel.TypeColumn)
		if typeValue == nil || parent.Get(rel.IDColumn) == nil {
			parent.SetRelation(node.name, (*Entity)(nil))
			continue
		}
		alias := utils.ToString(typeValue)
		if _, ok := groups[alias]; !ok {
			aliases = append(aliases, alias)
		}
		groups[alias] = append(groups[alias], parent)
	}
	sort.Strings(aliases)

	var all []*Entity
	for _, alias := range aliases {
		target, err := db.registry.EntityForMorphAlias(alias)
		if err != nil {
			return nil, err
		}
		members := groups[alias]

		plan := db.Model(target.Name).WhereIn(target.PrimaryKey, distinctKeys(members, rel.IDColumn)...)
		plan, err = constrain(plan, node.constraint)
		if err != nil {
			return nil, err
		}

		children, err := db.fetchRelated(ctx, target.Name, plan)
		if err != nil {
			return nil, err
		}

		attach(members, node.name, rel.IDColumn, groupByAttribute(children, target.PrimaryKey), false)
		all = append(all, children...)
	}
	return all, nil
}

// fetchRelated runs a follow-up plan and hydrates its rows.
func (db *DB) fetchRelated(ctx context.Context, entity string, plan *Query) ([]*Entity, error) {
	rows, err := plan.fetch(ctx)
	if err != nil {
		return nil, err
	}
	s, err := db.registry.Resolve(entity)
	if err != nil {
		return nil, err
	}
	return hydrate(entity, s, rows), nil
}

func constrain(plan *Query, constraint func(*Query) *Query) (*Query, error) {
	if constraint == nil {
		return plan, nil
	}
	constrained := constraint(plan)
	if constrained == nil {
		return nil, fmt.Errorf("%w: preload constraint returned nil", ErrInvalidPlan)
	}
	return constrained, nil
}

// distinctKeys collects the parents' values of one column, first seen
// first, nils skipped. Identity uses string keys so driver and literal
// representations of the same key coincide.
func distinctKeys(entities []*Entity, column string) []interface{} {
	keys := make([]interface{}, 0, len(entities))
	seen := make(map[string]struct{}, len(entities))
	for _, entity := range entities {
		value := entity.Get(column)
		if value == nil {
			continue
		}
		key := utils.ToStringKey(value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, value)
	}
	return keys
}

// groupByAttribute buckets entities by one attribute, in result order.
func groupByAttribute(entities []*Entity, column string) map[string][]*Entity {
	groups := map[string][]*Entity{}
	for _, entity := range entities {
		value := entity.Get(column)
		if value == nil {
			continue
		}
		key := utils.ToStringKey(value)
		groups[key] = append(groups[key], entity)
	}
	return groups
}

// attach hands each parent its bucket. To-many parents always receive a
// slice, empty rather than absent; to-one parents receive the first
// match or a nil entity so the relation still counts as loaded.
func attach(parents []*Entity, name, keyColumn string, groups map[string][]*Entity, many bool) {
	for _, parent := range parents {
		var bucket []*Entity
		if key := parent.Get(keyColumn); key != nil {
			bucket = groups[utils.ToStringKey(key)]
		}
		if many {
			if bucket == nil {
				bucket = []*Entity{}
			}
			parent.SetRelation(name, bucket)
			continue
		}
		if len(bucket) > 0 {
			parent.SetRelation(name, bucket[0])
		} else {
			parent.SetRelation(name, (*Entity)(nil))
		}
	}
}

func sharedEntityName(entities []*Entity) (string, error) {
	name := ""
	for _, entity := range entities {
		if entity == nil || entity.name == "" {
			return "", fmt.Errorf("%w: cannot load relations onto an unregistered entity", ErrInvalidPlan)
		}
		if name == "" {
			name = entity.name
		} else if entity.name != name {
			return "", fmt.Errorf("%w: entities of mixed types %s and %s", ErrInvalidPlan, name, entity.name)
		}
	}
	return name, nil
}
