package graph

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

//go:embed schema.graphqls
var sourceSchema string

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: sourceSchema})

// executableSchema resolves operations by walking the validated selection
// set over the root resolvers.
type executableSchema struct {
	resolver *Resolver
}

// NewExecutableSchema returns the schema to hand to handler.New.
func NewExecutableSchema(r *Resolver) graphql.ExecutableSchema {
	return &executableSchema{resolver: r}
}

func (e *executableSchema) Schema() *ast.Schema {
	return parsedSchema
}

// Complexity counts every field as one; no complexity limit is installed.
func (e *executableSchema) Complexity(_ context.Context, _, _ string, childComplexity int, _ map[string]any) (int, bool) {
	return childComplexity + 1, true
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	opCtx := graphql.GetOperationContext(ctx)

	switch opCtx.Operation.Operation {
	case ast.Query:
		return graphql.OneShot(e.execRoot(ctx, opCtx, parsedSchema.Query, e.resolver.queries()))
	case ast.Mutation:
		return graphql.OneShot(e.execRoot(ctx, opCtx, parsedSchema.Mutation, e.resolver.mutations()))
	case ast.Subscription:
		return e.execSubscription(ctx, opCtx)
	default:
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unsupported GraphQL operation"))
	}
}

// execRoot resolves root fields in document order. A failing field is null
// and reported in errors; the other fields still resolve.
func (e *executableSchema) execRoot(ctx context.Context, opCtx *graphql.OperationContext, root *ast.Definition, resolvers map[string]fieldResolver) *graphql.Response {
	var (
		buf  bytes.Buffer
		errs gqlerror.List
	)
	buf.WriteByte('{')
	for i, field := range graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{root.Name}) {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, field.Alias)

		path := ast.Path{ast.PathName(field.Alias)}
		value, err := e.resolveRoot(ctx, opCtx, root, field, resolvers)
		if err != nil {
			errs = append(errs, &gqlerror.Error{Err: err, Message: err.Error(), Path: path})
			buf.WriteString("null")
			continue
		}
		var out bytes.Buffer
		if err := writeValue(&out, opCtx, field, value); err != nil {
			errs = append(errs, &gqlerror.Error{Err: err, Message: err.Error(), Path: path})
			buf.WriteString("null")
			continue
		}
		buf.Write(out.Bytes())
	}
	buf.WriteByte('}')
	return &graphql.Response{Data: buf.Bytes(), Errors: errs}
}

func (e *executableSchema) resolveRoot(ctx context.Context, opCtx *graphql.OperationContext, root *ast.Definition, field graphql.CollectedField, resolvers map[string]fieldResolver) (any, error) {
	switch field.Name {
	case "__typename":
		return root.Name, nil
	case "__schema", "__type":
		return nil, fmt.Errorf("introspection is not served")
	}
	resolve, ok := resolvers[field.Name]
	if !ok {
		return nil, fmt.Errorf("unknown field %s.%s", root.Name, field.Name)
	}
	return resolve(ctx, field.ArgumentMap(opCtx.Variables))
}

// execSubscription streams one response per event until ctx ends. The
// subscription has a single root field.
func (e *executableSchema) execSubscription(ctx context.Context, opCtx *graphql.OperationContext) graphql.ResponseHandler {
	fields := graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{parsedSchema.Subscription.Name})
	if len(fields) != 1 || fields[0].Name != "events" {
		return graphql.OneShot(graphql.ErrorResponse(ctx, "subscriptions must select exactly the events field"))
	}
	field := fields[0]

	feed, err := e.resolver.subscribeEvents(ctx, field.ArgumentMap(opCtx.Variables))
	if err != nil {
		return graphql.OneShot(graphql.ErrorResponse(ctx, "subscribe to events: %v", err))
	}

	var buf bytes.Buffer
	return func(ctx context.Context) *graphql.Response {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-feed:
			buf.Reset()
			buf.WriteByte('{')
			writeKey(&buf, field.Alias)
			if err := writeValue(&buf, opCtx, field, ev); err != nil {
				return graphql.ErrorResponse(ctx, "encode event: %v", err)
			}
			buf.WriteByte('}')
			return &graphql.Response{Data: bytes.Clone(buf.Bytes())}
		}
	}
}

// writeValue encodes a resolved value for field. Objects are projected onto
// the field's selection set; leaves are encoded as JSON.
func writeValue(buf *bytes.Buffer, opCtx *graphql.OperationContext, field graphql.CollectedField, value any) error {
	if len(field.Selections) == 0 {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}

	tree, err := toTree(value)
	if err != nil {
		return err
	}
	return project(buf, opCtx, field.Definition.Type.Name(), field.Selections, tree)
}

// toTree turns a resolved Go value into generic JSON values keyed by the
// GraphQL field names in its json tags.
func toTree(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func project(buf *bytes.Buffer, opCtx *graphql.OperationContext, typeName string, sel ast.SelectionSet, tree any) error {
	switch v := tree.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := project(buf, opCtx, typeName, sel, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		buf.WriteByte('{')
		for i, f := range graphql.CollectFields(opCtx, sel, []string{typeName}) {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeKey(buf, f.Alias)
			if f.Name == "__typename" {
				writeString(buf, typeName)
				continue
			}
			child := v[f.Name]
			if len(f.Selections) == 0 {
				raw, err := json.Marshal(child)
				if err != nil {
					return err
				}
				buf.Write(raw)
				continue
			}
			if err := project(buf, opCtx, f.Definition.Type.Name(), f.Selections, child); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("cannot select fields of %s from %T", typeName, tree)
	}
}

func writeKey(buf *bytes.Buffer, key string) {
	writeString(buf, key)
	buf.WriteByte(':')
}

func writeString(buf *bytes.Buffer, s string) {
	raw, _ := json.Marshal(s)
	buf.Write(raw)
}
