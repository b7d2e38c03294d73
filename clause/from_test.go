package clause_test

import (
	"fmt"
	"testing"

	"github.com/go-grove/grove/clause"
)

func TestFrom(t *testing.T) {
	results := []struct {
		Clauses []clause.Interface
		Result  string
		Vars    []interface{}
	}{
		{
			[]clause.Interface{clause.Select{}, clause.From{}},
			"SELECT * FROM `users`", nil,
		},
		{
			[]clause.Interface{clause.Select{}, clause.From{
				Joins: []clause.Join{{
					Type:  clause.InnerJoin,
					Table: clause.Table{Name: "user_roles"},
					ON: clause.Where{Exprs: []clause.Expression{clause.Eq{
						Column: clause.Column{Table: "user_roles", Name: "user_id"},
						Value:  clause.Column{Table: "users", Name: "id"},
					}}},
				}},
			}},
			"SELECT * FROM `users` INNER JOIN `user_roles` ON `user_roles`.`user_id` = `users`.`id`", nil,
		},
		{
			[]clause.Interface{clause.Select{}, clause.From{
				Joins: []clause.Join{{
					Type:  clause.LeftJoin,
					Table: clause.Table{Name: "profiles"},
					Using: []string{"user_id"},
				}},
			}},
			"SELECT * FROM `users` LEFT JOIN `profiles` USING (`user_id`)", nil,
		},
		{
			// later joins merge after earlier ones
			[]clause.Interface{clause.Select{}, clause.From{
				Joins: []clause.Join{{
					Type:  clause.InnerJoin,
					Table: clause.Table{Name: "posts"},
					ON: clause.Where{Exprs: []clause.Expression{clause.Eq{
						Column: clause.Column{Table: "posts", Name: "user_id"},
						Value:  clause.Column{Table: "users", Name: "id"},
					}}},
				}},
			}, clause.From{
				Joins: []clause.Join{{
					Type:  clause.LeftJoin,
					Table: clause.Table{Name: "comments"},
					ON: clause.Where{Exprs: []clause.Expression{clause.Eq{
						Column: clause.Column{Table: "comments", Name: "post_id"},
						Value:  clause.Column{Table: "posts", Name: "id"},
					}}},
				}},
			}},
			"SELECT * FROM `users` INNER JOIN `posts` ON `posts`.`user_id` = `users`.`id` LEFT JOIN `comments` ON `comments`.`post_id` = `posts`.`id`", nil,
		},
		{
			[]clause.Interface{clause.Select{}, clause.From{
				Tables: []clause.Table{{Name: "audits", Alias: "a"}},
			}},
			"SELECT * FROM `audits` `a`", nil,
		},
	}

	for idx, result := range results {
		t.Run(fmt.Sprintf("case #%v", idx), func(t *testing.T) {
			checkBuildClauses(t, result.Clauses, result.Result, result.Vars)
		})
	}
}
