package grove

import (
	"context"
	"fmt"

	"github.com/go-grove/grove/schema"
	"github.com/go-grove/grove/utils"
)

// Association is the lazy counterpart of eager loading, the same
// resolver machinery scoped to a single parent. Reads cache their
// result on the parent's relation map; write support depends on the
// relation kind.
type Association struct {
	db     *DB
	parent *Entity
	rel    *schema.RelationshipDefinition
	err    error
}

// Association scopes the named relation to one parent entity.
func (db *DB) Association(entity *Entity, name string) *Association {
	a := &Association{db: db, parent: entity}
	if entity == nil || entity.name == "" {
		a.err = fmt.Errorf("%w: association needs a registered entity", ErrInvalidPlan)
		return a
	}
	rel, err := db.registry.Relation(entity.name, name)
	if err != nil {
		a.err = err
		return a
	}
	a.rel = rel
	return a
}

// Error returns the construction error, if any.
func (a *Association) Error() error {
	return a.err
}

// Find loads the related entities for the parent. To-one kinds return
// zero or one.
func (a *Association) Find(ctx context.Context) ([]*Entity, error) {
	if err := a.guardRead(); err != nil {
		return nil, err
	}

	node := &eagerLoadNode{name: a.rel.Name, children: map[string]*eagerLoadNode{}}
	children, err := a.db.loadRelation(ctx, a.parent.name, a.rel, node, []*Entity{a.parent})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.rel.Name, err)
	}
	return children, nil
}

// First returns the first related entity, ErrRecordNotFound when the
// relation is empty.
func (a *Association) First(ctx context.Context) (*Entity, error) {
	children, err := a.Find(ctx)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, ErrRecordNotFound
	}
	return children[0], nil
}

// Count counts the related rows without hydrating them.
func (a *Association) Count(ctx context.Context) (int64, error) {
	if err := a.guardRead(); err != nil {
		return 0, err
	}

	plan, ok, err := a.plan()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return plan.Count(ctx)
}

// Append links related rows to the parent. Junction kinds insert pivot
// rows for the given related keys, belongs_to takes exactly one key and
// repoints the parent, has kinds claim existing children by key.
func (a *Association) Append(ctx context.Context, ids ...interface{}) error {
	if a.err != nil {
		return a.err
	}

	switch a.rel.Kind {
	case schema.BelongsToMany, schema.MorphToMany:
		if len(ids) == 0 {
			return nil
		}
		rows := make([]Row, len(ids))
		for idx, id := range ids {
			row, err := a.pivotRow(id, nil)
			if err != nil {
				return err
			}
			rows[idx] = row
		}
		_, err := a.db.Table(a.rel.PivotTable).Insert(ctx, rows...)
		return err

	case schema.BelongsTo:
		if len(ids) != 1 {
			return fmt.Errorf("%w: belongs_to append takes exactly one key", ErrInvalidPlan)
		}
		a.parent.Set(a.rel.ForeignKey, ids[0])
		return a.db.Save(ctx, a.parent)

	case schema.HasOne, schema.HasMany:
		if len(ids) == 0 {
			return nil
		}
		key, err := a.parentKey(a.rel.LocalKey)
		if err != nil {
			return err
		}
		related, err := a.db.registry.Resolve(a.rel.Related)
		if err != nil {
			return err
		}
		_, err = a.db.Model(a.rel.Related).
			WhereIn(related.PrimaryKey, ids...).
			Update(ctx, Row{a.rel.ForeignKey: key})
		return err

	default:
		return fmt.Errorf("%w: append on %s", ErrUnsupportedRelation, a.rel.Kind)
	}
}

// AppendWith links one related row through the junction table carrying
// extra pivot attributes.
func (a *Association) AppendWith(ctx context.Context, id interface{}, pivotAttrs Row) error {
	if a.err != nil {
		return a.err
	}
	switch a.rel.Kind {
	case schema.BelongsToMany, schema.MorphToMany:
	default:
		return fmt.Errorf("%w: pivot attributes on %s", ErrUnsupportedRelation, a.rel.Kind)
	}

	row, err := a.pivotRow(id, pivotAttrs)
	if err != nil {
		return err
	}
	_, err = a.db.Table(a.rel.PivotTable).Insert(ctx, row)
	return err
}

// Delete unlinks the given related keys from the parent by removing
// their junction rows. The related rows themselves stay.
func (a *Association) Delete(ctx context.Context, ids ...interface{}) error {
	if a.err != nil {
		return a.err
	}
	switch a.rel.Kind {
	case schema.BelongsToMany, schema.MorphToMany:
	default:
		return fmt.Errorf("%w: delete on %s", ErrUnsupportedRelation, a.rel.Kind)
	}
	if len(ids) == 0 {
		return nil
	}

	plan, err := a.pivotPlan()
	if err != nil {
		return err
	}
	_, err = plan.WhereIn(a.rel.RelatedPivotKey, ids...).Delete(ctx)
	return err
}

// Clear unlinks everything. Junction kinds drop all the parent's pivot
// rows, belongs_to nulls the foreign key.
func (a *Association) Clear(ctx context.Context) error {
	if a.err != nil {
		return a.err
	}

	switch a.rel.Kind {
	case schema.BelongsToMany, schema.MorphToMany:
		plan, err := a.pivotPlan()
		if err != nil {
			return err
		}
		_, err = plan.Delete(ctx)
		return err

	case schema.BelongsTo:
		a.parent.Set(a.rel.ForeignKey, nil)
		return a.db.Save(ctx, a.parent)

	default:
		return fmt.Errorf("%w: clear on %s", ErrUnsupportedRelation, a.rel.Kind)
	}
}

// Replace syncs the junction rows to exactly the given keys, detaching
// what is no longer named and attaching what is missing.
func (a *Association) Replace(ctx context.Context, ids ...interface{}) error {
	if a.err != nil {
		return a.err
	}
	switch a.rel.Kind {
	case schema.BelongsToMany, schema.MorphToMany:
	default:
		return fmt.Errorf("%w: replace on %s", ErrUnsupportedRelation, a.rel.Kind)
	}

	plan, err := a.pivotPlan()
	if err != nil {
		return err
	}
	current, err := plan.Pluck(ctx, a.rel.RelatedPivotKey)
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[utils.ToStringKey(id)] = struct{}{}
	}
	attached := make(map[string]struct{}, len(current))

	var detach []interface{}
	for _, id := range current {
		if id == nil {
			continue
		}
		key := utils.ToStringKey(id)
		attached[key] = struct{}{}
		if _, ok := wanted[key]; !ok {
			detach = append(detach, id)
		}
	}
	var attach []interface{}
	for _, id := range ids {
		if _, ok := attached[utils.ToStringKey(id)]; !ok {
			attach = append(attach, id)
		}
	}

	if err := a.Delete(ctx, detach...); err != nil {
		return err
	}
	return a.Append(ctx, attach...)
}

// guardRead enforces strict lazy mode: entities hydrated as part of a
// multi-row result refuse per-parent loads so a loop over them cannot
// silently fan out into one query each.
func (a *Association) guardRead() error {
	if a.err != nil {
		return a.err
	}
	if a.db.strictLazy && a.parent.batchLoaded {
		return fmt.Errorf("%w: %s on batch loaded %s", ErrLazyLoadForbidden, a.rel.Name, a.parent.name)
	}
	return nil
}

// plan builds the related-side plan scoped to the parent key. The bool
// is false when the parent cannot have related rows at all, a nil key
// or an unset morph target.
func (a *Association) plan() (*Query, bool, error) {
	rel := a.rel
	switch rel.Kind {
	case schema.HasOne, schema.HasMany:
		key := a.parent.Get(rel.LocalKey)
		if key == nil {
			return nil, false, nil
		}
		return a.db.Model(rel.Related).Where(rel.ForeignKey, key), true, nil

	case schema.MorphOne, schema.MorphMany:
		key := a.parent.Get(rel.LocalKey)
		if key == nil {
			return nil, false, nil
		}
		owner, err := a.db.registry.Resolve(a.parent.name)
		if err != nil {
			return nil, false, err
		}
		return a.db.Model(rel.Related).
			Where(rel.IDColumn, key).
			Where(rel.TypeColumn, owner.MorphAlias), true, nil

	case schema.BelongsTo:
		key := a.parent.Get(rel.ForeignKey)
		if key == nil {
			return nil, false, nil
		}
		return a.db.Model(rel.Related).Where(rel.OwnerKey, key), true, nil

	case schema.BelongsToMany, schema.MorphToMany:
		key := a.parent.Get(rel.LocalKey)
		if key == nil {
			return nil, false, nil
		}
		related, err := a.db.registry.Resolve(rel.Related)
		if err != nil {
			return nil, false, err
		}
		plan := a.db.Model(rel.Related).
			Join(rel.PivotTable, related.Table+"."+rel.OwnerKey, "=", rel.PivotTable+"."+rel.RelatedPivotKey).
			Where(rel.PivotTable+"."+rel.ForeignPivotKey, key)
		if rel.Kind == schema.MorphToMany {
			owner, err := a.db.registry.Resolve(a.parent.name)
			if err != nil {
				return nil, false, err
			}
			plan = plan.Where(rel.PivotTable+"."+rel.TypeColumn, owner.MorphAlias)
		}
		return plan, true, nil

	case schema.HasOneThrough, schema.HasManyThrough:
		key := a.parent.Get(rel.LocalKey)
		if key == nil {
			return nil, false, nil
		}
		related, err := a.db.registry.Resolve(rel.Related)
		if err != nil {
			return nil, false, err
		}
		through, err := a.db.registry.Resolve(rel.Through)
		if err != nil {
			return nil, false, err
		}
		return a.db.Model(rel.Related).
			Join(through.Table, related.Table+"."+rel.SecondKey, "=", through.Table+"."+through.PrimaryKey).
			Where(through.Table+"."+rel.FirstKey, key), true, nil

	case schema.MorphTo:
		typeValue := a.parent.Get(rel.TypeColumn)
		id := a.parent.Get(rel.IDColumn)
		if typeValue == nil || id == nil {
			return nil, false, nil
		}
		target, err := a.db.registry.EntityForMorphAlias(utils.ToString(typeValue))
		if err != nil {
			return nil, false, err
		}
		return a.db.Model(target.Name).Where(target.PrimaryKey, id), true, nil

	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedRelation, rel.Kind)
	}
}

// pivotPlan targets the parent's junction rows.
func (a *Association) pivotPlan() (*Query, error) {
	key, err := a.parentKey(a.rel.LocalKey)
	if err != nil {
		return nil, err
	}
	plan := a.db.Table(a.rel.PivotTable).Where(a.rel.ForeignPivotKey, key)
	if a.rel.Kind == schema.MorphToMany {
		owner, err := a.db.registry.Resolve(a.parent.name)
		if err != nil {
			return nil, err
		}
		plan = plan.Where(a.rel.TypeColumn, owner.MorphAlias)
	}
	return plan, nil
}

// pivotRow assembles one junction row linking the parent to id.
func (a *Association) pivotRow(id interface{}, attrs Row) (Row, error) {
	key, err := a.parentKey(a.rel.LocalKey)
	if err != nil {
		return nil, err
	}
	row := make(Row, len(attrs)+3)
	for column, value := range attrs {
		row[column] = value
	}
	row[a.rel.ForeignPivotKey] = key
	row[a.rel.RelatedPivotKey] = id
	if a.rel.Kind == schema.MorphToMany {
		owner, err := a.db.registry.Resolve(a.parent.name)
		if err != nil {
			return nil, err
		}
		row[a.rel.TypeColumn] = owner.MorphAlias
	}
	return row, nil
}

func (a *Association) parentKey(column string) (interface{}, error) {
	key := a.parent.Get(column)
	if key == nil {
		return nil, fmt.Errorf("%w: parent %s has no %s value", ErrInvalidPlan, a.parent.name, column)
	}
	return key, nil
}
