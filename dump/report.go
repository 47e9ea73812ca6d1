package dump

import (
	"context"
	"io"
	"strconv"

	"github.com/fleetstate/agentdb/kv"
	"github.com/fleetstate/agentdb/mustache"
)

// Report renders a store through a user-supplied mustache template
// instead of the fixed JSON layout. The template sees a tree shaped as:
//
//	{
//	  "path":    "<database file>",
//	  "count":   <entry count>,
//	  "entries": [{"key": "...", "value": "..."}, ...]
//	}
//
// Keys and values are escaped the same way simple mode escapes them, so
// binary content stays printable inside text reports.
func Report(ctx context.Context, w io.Writer, env kv.Env, path, template string) error {
	tx, err := env.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()

	cur, err := tx.Cursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	entries := mustache.Array()
	count := 0
	for {
		key, value, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		entry := mustache.NewObject()
		entry.Set("key", mustache.String(escapeJSON5(key)))
		entry.Set("value", mustache.String(escapeJSON5(value)))
		entries.Append(entry)
		count++
	}

	root := mustache.NewObject()
	root.Set("path", mustache.String(path))
	root.Set("count", mustache.Number(strconv.Itoa(count)))
	root.Set("entries", entries)

	out, err := mustache.Render(template, root)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
